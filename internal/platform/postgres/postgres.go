// Package postgres opens the allowlist database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"aegis/internal/platform/config"
)

// Pinger runs a health check, optionally through a circuit breaker.
type Pinger func(ctx context.Context, ping func(context.Context) error) error

// DB wraps *sql.DB with a health check.
type DB struct {
	*sql.DB
	guard Pinger
}

// Open connects with lib/pq and verifies the connection. Returns nil when no
// DSN is configured.
func Open(ctx context.Context, cfg config.PostgresConfig) (*DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &DB{DB: db}, nil
}

// WithHealthGuard routes Health through guard, typically the database breaker.
func (d *DB) WithHealthGuard(guard Pinger) *DB {
	d.guard = guard
	return d
}

// Health pings the database.
func (d *DB) Health(ctx context.Context) error {
	if d.guard == nil {
		return d.PingContext(ctx)
	}
	return d.guard(ctx, d.PingContext)
}
