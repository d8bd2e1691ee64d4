package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"snippetCollab/backend/internal/collab"
)

// RedisPresence mirrors room membership into redis so that every instance
// (and the HTTP editors endpoint) can see who is editing a document.
type RedisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

// 清理过期成员
// KEYS[1] = roomKey(docID)
// KEYS[2] = namesKey(docID)
// KEYS[3] = docsKey()
// ARGV[1] = now (unix seconds)
// ARGV[2] = docID
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[3], ARGV[2])
end
return #expired
`)

// Touch adds or refreshes a member. Refreshing is just another Touch.
func (p *RedisPresence) Touch(ctx context.Context, docID, userID, displayName string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// score 为 expireAt（Unix 秒），表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, displayName)
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) Remove(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	_, err = p.sweep(ctx, docID)
	return err
}

func (p *RedisPresence) sweep(ctx context.Context, docID string) (int, error) {
	n, err := sweepScript.Run(ctx, p.rdb,
		[]string{roomKey(docID), namesKey(docID), docsKey()},
		time.Now().Unix(), docID).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return n, nil
}

// Alive drops expired members, then returns the rest with their names.
func (p *RedisPresence) Alive(ctx context.Context, docID string) ([]collab.PresenceMember, error) {
	if _, err := p.sweep(ctx, docID); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	names, err := p.rdb.HMGet(ctx, namesKey(docID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]collab.PresenceMember, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, collab.PresenceMember{UserID: id, DisplayName: name})
	}
	return members, nil
}

// Documents lists documents that currently have mirrored editors.
func (p *RedisPresence) Documents(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, docsKey()).Result()
}
