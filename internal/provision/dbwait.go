package provision

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// databaseWaiter probes whether the application database accepts connections.
type databaseWaiter interface {
	Ping(ctx context.Context, databaseURL string) error
}

// pgxWaiter dials Postgres with a throwaway single-connection pool.
type pgxWaiter struct{}

func (pgxWaiter) Ping(ctx context.Context, databaseURL string) error {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
