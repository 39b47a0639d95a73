package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyReplay indicates the key was already used for a processed request.
var ErrIdempotencyReplay = Conflict("idempotent request already processed")

// ValidateIdempotencyKey accepts UUID keys only.
func ValidateIdempotencyKey(key string) error {
	if _, err := uuid.Parse(key); err != nil {
		return InvalidInput("idempotency key must be a UUID")
	}
	return nil
}

// ClaimIdempotencyKey records key through db, normally the transaction that
// performs the keyed write, so the key commits or rolls back with it. A key
// seen before fails with ErrIdempotencyReplay.
func ClaimIdempotencyKey(ctx context.Context, db Execer, key, module string) error {
	if module == "" {
		return errors.New("shared: idempotency module required")
	}
	if err := ValidateIdempotencyKey(key); err != nil {
		return err
	}
	_, err := db.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyReplay
		}
		return fmt.Errorf("shared: claim idempotency key: %w", err)
	}
	return nil
}

// IdempotencyStore maintains the idempotency_keys table.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
