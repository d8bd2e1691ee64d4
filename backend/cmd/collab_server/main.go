package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"snippetCollab/backend/config"
	"snippetCollab/backend/internal/cache"
	"snippetCollab/backend/internal/collab"
	"snippetCollab/backend/internal/httpapi"
	"snippetCollab/backend/internal/httpapi/middleware"
	"snippetCollab/backend/internal/metrics"
	"snippetCollab/backend/internal/protocol"
	"snippetCollab/backend/internal/store"
	"snippetCollab/backend/internal/ws"
)

func main() {
	cfg, v, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d redis=%s kafka=%v", cfg.Running.Port, cfg.Redis.Addr, cfg.Kafka.Brokers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	opts := collab.Options{
		Metrics:   m,
		Tunables:  cfg.Tunables,
		LookupSem: collab.NewSemaphoreControl(100),
	}

	// === MySQL：用户目录（gorm）+ 保存记录（database/sql）===
	var saveLog *store.SaveLog
	var directory collab.UserDirectory
	if cfg.Mysql.DSN != "" {
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		directory = store.NewUserDirectory(gdb)

		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		saveLog = store.NewSaveLog(db)
		if err := saveLog.Migrate(ctx); err != nil {
			log.Printf("collab_saves migrate: %v", err)
		}
		opts.Saves = saveLog
	}

	// === Redis：在线状态镜像、用户缓存、跨实例广播 ===
	var fanout *cache.RedisFanout
	if cfg.Redis.Addr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(cfg.Redis.Addr, ","),
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()

		opts.Presence = cache.NewRedisPresence(rdb)
		if directory != nil {
			directory = cache.NewCachedDirectory(rdb, directory)
		}
		if cfg.Redis.FanoutChannel != "" {
			fanout = cache.NewRedisFanout(rdb, cfg.Redis.FanoutChannel)
			opts.Fanout = fanout
		}
	}
	if directory != nil {
		opts.Directory = directory
	}

	// === Kafka Producer + 本地队列 worker 重试发送 ===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(8),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
		defer dispatcher.Close()
		opts.Events = dispatcher
	}

	room := collab.NewRoomServer(opts)
	go room.RunSweeper(ctx)
	config.Watch(v, func(t config.Tunables) {
		room.UpdateTunables(t)
		log.Printf("tunables reloaded: %+v", t)
	})
	if fanout != nil {
		go func() {
			err := fanout.Run(ctx, nil, func(documentID string, msg protocol.OutboundMessage) {
				room.DeliverRemote(documentID, msg)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("fanout stopped: %v", err)
			}
		}()
	}

	deps := httpapi.Deps{
		Room:    room,
		Manager: ws.NewManager(room, m),
		Metrics: m,
		Auth: middleware.AuthOptions{
			JWTSecret:     cfg.Auth.JWTSecret,
			VerifyBaseURL: cfg.Auth.Path,
		},
	}
	if saveLog != nil {
		deps.Saves = saveLog
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: httpapi.NewRouter(deps),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("collab server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}
