package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Beginner starts transactions; *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// MaxTxAttempts bounds how often WithTx re-runs a transaction after a transient failure.
const MaxTxAttempts = 5

var txBackoff = Backoff{Base: 20 * time.Millisecond, Max: 500 * time.Millisecond}

// WithTx executes fn within a RepeatableRead transaction. Any error from fn rolls
// the whole transaction back. Serialization failures, deadlocks and connection
// failures before BEGIN are transient: the transaction is discarded and fn runs
// again from scratch on a fresh one. Everything else is returned as is.
func WithTx(ctx context.Context, pool Beginner, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= MaxTxAttempts; attempt++ {
		err = runTx(ctx, pool, fn)
		if err == nil || !IsTransient(err) || attempt == MaxTxAttempts {
			return err
		}
		if waitErr := sleep(ctx, txBackoff.Delay(attempt)); waitErr != nil {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, pool Beginner, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return &beginError{err: err}
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

type beginError struct {
	err error
}

func (e *beginError) Error() string { return "platform/db: begin tx: " + e.err.Error() }
func (e *beginError) Unwrap() error { return e.err }

// IsTransient reports whether err is worth retrying with a brand-new transaction.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	var be *beginError
	if errors.As(err, &be) {
		return !errors.Is(be.err, context.Canceled) && !errors.Is(be.err, context.DeadlineExceeded)
	}
	return false
}
