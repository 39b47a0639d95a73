package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes the connection pool.
type Options struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnectAttempts int
}

// New creates a new PostgreSQL connection pool, retrying the initial ping with
// exponential backoff while the database comes up.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second}
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if attempt >= attempts {
			break
		}
		delay := backoff.Delay(attempt)
		if logger != nil {
			logger.Warn("postgres not ready", slog.Int("attempt", attempt), slog.Duration("retry_in", delay), slog.Any("error", err))
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			err = waitErr
			break
		}
	}
	pool.Close()
	return nil, fmt.Errorf("platform/db: ping: %w", err)
}
