// Package main is the entrypoint for the image moderation gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yashenkoxciv/image-moderation-platform/internal/api"
	"github.com/yashenkoxciv/image-moderation-platform/internal/api/handler"
	mw "github.com/yashenkoxciv/image-moderation-platform/internal/api/middleware"
	"github.com/yashenkoxciv/image-moderation-platform/internal/blob"
	"github.com/yashenkoxciv/image-moderation-platform/internal/cache"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
	"github.com/yashenkoxciv/image-moderation-platform/internal/metrics"
	"github.com/yashenkoxciv/image-moderation-platform/internal/moderation"
	"github.com/yashenkoxciv/image-moderation-platform/internal/queue"
	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
	"github.com/yashenkoxciv/image-moderation-platform/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "queue_backend", cfg.Queue.Backend, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Connect object storage
	blobs, err := blob.Open(ctx, cfg.ObjectStorage)
	if err != nil {
		return fmt.Errorf("open object storage: %w", err)
	}
	slog.Info("object storage connected", "bucket", cfg.ObjectStorage.Bucket)

	// 6. Connect job queue
	jobQueue, err := queue.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer jobQueue.Close()
	slog.Info("queue connected", "backend", cfg.Queue.Backend, "name", cfg.Queue.Name)

	// 7. Create moderation service
	pgStore := store.Retrying(store.NewPostgresStore(pool), retry.DefaultPolicy())
	svc := moderation.NewService(pgStore, blobs, jobQueue, redisCache, moderation.Options{
		StatusCacheTTL: cfg.Server.StatusCacheTTL,
		PresignTTL:     cfg.ObjectStorage.PresignTTL,
	})

	// 8. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pgStore,
			"cache":    redisCache,
			"queue":    jobQueue,
			"storage":  blobs,
		}),
		UploadHandler:  handler.NewUploadHandler(svc, cfg.Server.MaxUploadBytes),
		StatusHandler:  handler.NewStatusHandler(svc),
		MetricsHandler: metrics.Handler(),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
