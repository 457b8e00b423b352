package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig holds the connection settings for the registration store.
type PoolConfig struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
	// Schema, when set, becomes the connection search_path.
	Schema string
	// LockTimeout bounds how long a statement waits for a row lock held by
	// another transaction. Zero leaves the server default in place.
	LockTimeout time.Duration
}

func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.Schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = pc.Schema
	}
	if pc.LockTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["lock_timeout"] = lockTimeoutParam(pc.LockTimeout)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// lockTimeoutParam renders d in the millisecond form accepted by the
// lock_timeout run-time parameter.
func lockTimeoutParam(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10) + "ms"
}
