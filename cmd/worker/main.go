// Package main is the entrypoint for the moderation worker: a pool of
// workers plus the lease sweeper.
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

	"github.com/yashenkoxciv/image-moderation-platform/internal/blob"
	"github.com/yashenkoxciv/image-moderation-platform/internal/classifier"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
	"github.com/yashenkoxciv/image-moderation-platform/internal/jobstate"
	"github.com/yashenkoxciv/image-moderation-platform/internal/metrics"
	"github.com/yashenkoxciv/image-moderation-platform/internal/queue"
	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
	"github.com/yashenkoxciv/image-moderation-platform/internal/store"
	"github.com/yashenkoxciv/image-moderation-platform/internal/worker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, including the worker-only checks
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"classifier", cfg.Classifier.Provider,
		"workers", cfg.Worker.Count,
		"retry_limit", cfg.Worker.RetryLimit,
		"lease_ttl", cfg.Worker.LeaseTTL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Connect object storage
	blobs, err := blob.Open(ctx, cfg.ObjectStorage)
	if err != nil {
		return fmt.Errorf("open object storage: %w", err)
	}
	slog.Info("object storage connected", "bucket", cfg.ObjectStorage.Bucket)

	// 4. Connect job queue
	jobQueue, err := queue.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer jobQueue.Close()
	slog.Info("queue connected", "backend", cfg.Queue.Backend, "name", cfg.Queue.Name)

	// 5. Create classifier
	c, err := classifier.New(cfg.Classifier)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	slog.Info("classifier initialized", "classifier", c.Name())

	// 6. Build pool and sweeper
	pgStore := store.Retrying(store.NewPostgresStore(pool), retry.DefaultPolicy())
	policy := jobstate.Policy{RetryLimit: cfg.Worker.RetryLimit, LeaseTTL: cfg.Worker.LeaseTTL}

	workers := worker.NewPool(worker.Config{
		Count:           cfg.Worker.Count,
		Policy:          policy,
		ClassifyTimeout: cfg.Classifier.Timeout,
	}, pgStore, jobQueue, blobs, c)

	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Policy:            policy,
		Interval:          cfg.Worker.SweepInterval,
		StalePendingAfter: cfg.Worker.StalePendingAfter,
	}, pgStore, jobQueue)

	metricsSrv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Worker.MetricsPort))

	// 7. Run until signalled. In-flight jobs finish before the pool returns.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		slog.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped gracefully")
	return nil
}
