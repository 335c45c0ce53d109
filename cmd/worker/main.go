package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"smartattendance/internal/config"
	"smartattendance/internal/logger"
	"smartattendance/internal/queue"
	"smartattendance/internal/rollup"
	"smartattendance/internal/store"
)

// Worker consumes attendance events from the redis queue and maintains the
// live per-day roll-up.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg).Named("worker")
	defer func() { _ = log.Sync() }()

	if cfg.QueueBackend != "redis" {
		log.Fatal("worker requires QUEUE_BACKEND=redis; the memory backend is consumed inside the api process",
			zap.String("queue_backend", cfg.QueueBackend))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = redisClient.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	healthy := redisClient.Healthy(pingCtx)
	cancel()
	if !healthy {
		log.Fatal("redis not reachable", zap.String("addr", cfg.RedisAddr))
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, log.Named("queue"))
	roll := rollup.New(redisClient.Client, cfg.LiveTTL, log)

	log.Info("worker started, waiting for events", zap.String("queue", cfg.QueueKey))
	if err := roll.Run(ctx, q); err != nil {
		log.Fatal("rollup consumer failed", zap.Error(err))
	}
	log.Info("worker stopped")
}
