package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"smartattendance/internal/attendance"
	"smartattendance/internal/cloudinary"
	"smartattendance/internal/config"
	"smartattendance/internal/face"
	"smartattendance/internal/faceclient"
	"smartattendance/internal/handler"
	"smartattendance/internal/httpmiddleware"
	"smartattendance/internal/lock"
	"smartattendance/internal/logger"
	"smartattendance/internal/metrics"
	"smartattendance/internal/qr"
	"smartattendance/internal/queue"
	"smartattendance/internal/rollup"
	"smartattendance/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Must(cfg)
	defer func() { _ = log.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() { _ = db.Close() }()
	log.Info("store ready", zap.String("driver", db.Driver()))

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = redisClient.Close() }()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	redisUp := redisClient.Healthy(pingCtx)
	cancel()
	if !redisUp {
		log.Warn("redis not reachable; using in-process lock and disabling live roll-up", zap.String("addr", cfg.RedisAddr))
	}

	var opts []attendance.Option

	if redisUp {
		opts = append(opts, attendance.WithLocker(lock.NewRedis(redisClient.Client, cfg.LockTTL)))
	}

	var (
		live handler.LiveReader
		roll *rollup.Rollup
	)
	if redisUp {
		roll = rollup.New(redisClient.Client, cfg.LiveTTL, log.Named("rollup"))
		live = roll
	}

	switch cfg.QueueBackend {
	case "redis":
		opts = append(opts, attendance.WithEvents(queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, log.Named("queue"))))
	default:
		// without a consumer the memory queue would only fill up
		if roll != nil {
			q := queue.NewInMemory(256)
			opts = append(opts, attendance.WithEvents(q))
			go func() {
				if err := roll.Run(ctx, q); err != nil {
					log.Error("rollup consumer failed", zap.Error(err))
				}
			}()
		}
	}

	if cfg.CloudinaryEnabled() {
		opts = append(opts, attendance.WithArchive(cloudinary.New(
			cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)))
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		log.Info("cloudinary not configured; registration photos are not archived")
	}

	fc := faceclient.New(cfg.FaceServiceURL, cfg.FaceTimeout, cfg.FaceSkip)
	if cfg.FaceSkip {
		log.Warn("FACE_SKIP enabled; embeddings are derived from image bytes")
	} else if err := fc.Health(ctx); err != nil {
		log.Warn("face service not available", zap.String("url", cfg.FaceServiceURL), zap.Error(err))
	}

	svc := attendance.NewService(db, fc, face.NewMatcher(), qr.NewPNG(), log.Named("attendance"),
		attendance.Options{
			AllowDuplicateSameDay: cfg.AllowDuplicateSameDay,
			RequireSingleFace:     cfg.RequireSingleFace,
		}, opts...)

	checks := map[string]handler.HealthCheck{
		"db":           db.Ping,
		"face_service": fc.Health,
	}
	if redisUp || cfg.QueueBackend == "redis" {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Client.Ping(ctx).Err() }
	}
	h := handler.New(svc, db, log.Named("http"), handler.Options{
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		Live:           live,
		Checks:         checks,
	})

	r := gin.New()
	r.MaxMultipartMemory = int64(cfg.MaxUploadMB) << 20
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Logger(log.Named("access"), "/healthz", "/metrics"))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(metrics.GinMiddleware())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Mount(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.FaceTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	// give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", httpmiddleware.HeaderRequestID},
		ExposeHeaders: []string{httpmiddleware.HeaderRequestID, "Content-Disposition"},
		MaxAge:        24 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
