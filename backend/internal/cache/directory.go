package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"snippetCollab/backend/internal/collab"
)

const (
	BaseTTL          = 30 * time.Minute // 基础过期时间
	Jitter           = 10 * time.Minute // 随机抖动范围
	NullTTL          = 2 * time.Minute
	EmptyCacheMarker = "-1" // 空值标记
)

// 获取随机TTL，防止缓存雪崩
func getRandomTTL() time.Duration {
	return BaseTTL + time.Duration(rand.Int63n(int64(Jitter)))
}

// CachedDirectory puts a redis read-through cache in front of another
// UserDirectory. Unknown users are cached as a null marker.
type CachedDirectory struct {
	rdb    redis.UniversalClient
	origin collab.UserDirectory
	sf     singleflight.Group
}

func NewCachedDirectory(rdb redis.UniversalClient, origin collab.UserDirectory) *CachedDirectory {
	return &CachedDirectory{rdb: rdb, origin: origin}
}

func (d *CachedDirectory) readCache(ctx context.Context, key string) (collab.UserProfile, bool, bool, error) {
	res, err := d.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return collab.UserProfile{}, false, false, nil
		}
		return collab.UserProfile{}, false, false, err
	}
	if res == EmptyCacheMarker {
		return collab.UserProfile{}, true, true, nil
	}
	var p collab.UserProfile
	if err := json.Unmarshal([]byte(res), &p); err != nil {
		return collab.UserProfile{}, false, false, err
	}
	return p, true, false, nil
}

func (d *CachedDirectory) writeCache(ctx context.Context, key string, p collab.UserProfile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return d.rdb.Set(ctx, key, b, getRandomTTL()).Err()
}

// 标记空值缓存，防止缓存穿透
func (d *CachedDirectory) writeNullCache(ctx context.Context, key string) error {
	return d.rdb.Set(ctx, key, EmptyCacheMarker, NullTTL).Err()
}

// ResolveUser: cache, then origin. Concurrent misses for one user share a
// single origin lookup.
func (d *CachedDirectory) ResolveUser(ctx context.Context, userID string) (collab.UserProfile, error) {
	key := profileKey(userID)
	val, err, _ := d.sf.Do(key, func() (interface{}, error) {
		p, hit, null, err := d.readCache(ctx, key)
		if err == nil && hit {
			if null {
				return nil, collab.ErrUserNotFound
			}
			return p, nil
		}
		// redis 故障不影响回源

		p, err = d.origin.ResolveUser(ctx, userID)
		if errors.Is(err, collab.ErrUserNotFound) {
			_ = d.writeNullCache(ctx, key)
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		_ = d.writeCache(ctx, key, p)
		return p, nil
	})
	if err != nil {
		return collab.UserProfile{}, err
	}
	if p, ok := val.(collab.UserProfile); ok {
		return p, nil
	}
	return collab.UserProfile{}, errors.New("internal type error")
}

// Invalidate drops the cached profile, e.g. after a rename.
func (d *CachedDirectory) Invalidate(ctx context.Context, userID string) error {
	return d.rdb.Del(ctx, profileKey(userID)).Err()
}
