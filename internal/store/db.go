package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
)

// connectPolicy covers a database that is still starting next to the
// gateway and workers.
var connectPolicy = retry.Policy{
	MaxAttempts:     5,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Connect opens a pgx pool sized from cfg and waits until the database
// answers a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	attempt := 0
	err = retry.Do(ctx, connectPolicy, nil, func() error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			slog.Warn("database not ready", "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
