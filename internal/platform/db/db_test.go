package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-clinic/backoffice/internal/shared"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 20 * time.Millisecond, Max: 100 * time.Millisecond}
	require.Equal(t, 20*time.Millisecond, b.Delay(0))
	require.Equal(t, 20*time.Millisecond, b.Delay(1))
	require.Equal(t, 40*time.Millisecond, b.Delay(2))
	require.Equal(t, 80*time.Millisecond, b.Delay(3))
	require.Equal(t, 100*time.Millisecond, b.Delay(4))
	require.Equal(t, 100*time.Millisecond, b.Delay(30))
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.True(t, IsTransient(&pgconn.PgError{Code: codeSerializationFailure}))
	require.True(t, IsTransient(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: codeDeadlockDetected})))
	require.False(t, IsTransient(&pgconn.PgError{Code: codeUniqueViolation}))
	require.True(t, IsTransient(&beginError{err: errors.New("conn refused")}))
	require.False(t, IsTransient(&beginError{err: context.Canceled}))
	require.False(t, IsTransient(errors.New("boom")))
}

func TestConstraintClassification(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "invoices_payment_id_key"})
	name, ok := UniqueViolation(err)
	require.True(t, ok)
	require.Equal(t, "invoices_payment_id_key", name)

	_, ok = ForeignKeyViolation(err)
	require.False(t, ok)

	name, ok = ForeignKeyViolation(&pgconn.PgError{Code: codeForeignKeyViolation, ConstraintName: "invoice_items_delivery_id_fkey"})
	require.True(t, ok)
	require.Equal(t, "invoice_items_delivery_id_fkey", name)

	_, ok = CheckViolation(&pgconn.PgError{Code: codeCheckViolation})
	require.True(t, ok)
}

// fakeTx records how a transaction ended. Methods other than Commit and
// Rollback are not used by WithTx.
type fakeTx struct {
	pgx.Tx
	id        int
	commitErr error
	committed bool
	owner     *fakeBeginner
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	tx.owner.commits++
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.owner.rollbacks++
	return nil
}

type fakeBeginner struct {
	failures   []error
	commitErrs []error
	calls      int
	commits    int
	rollbacks  int
}

func (f *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	tx := &fakeTx{id: f.calls, owner: f}
	if len(f.commitErrs) > 0 {
		tx.commitErr = f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
	}
	return tx, nil
}

func TestWithTxRetriesBeginFailures(t *testing.T) {
	fb := &fakeBeginner{failures: []error{errors.New("dial tcp"), errors.New("dial tcp")}}
	err := WithTx(context.Background(), fb, func(pgx.Tx) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 3, fb.calls)
	require.Equal(t, 1, fb.commits)
}

func TestWithTxGivesUpAfterMaxAttempts(t *testing.T) {
	fb := &fakeBeginner{}
	for i := 0; i < MaxTxAttempts; i++ {
		fb.failures = append(fb.failures, errors.New("dial tcp"))
	}
	err := WithTx(context.Background(), fb, func(pgx.Tx) error { return nil })
	require.ErrorContains(t, err, "begin tx")
	require.Equal(t, MaxTxAttempts, fb.calls)
	require.Zero(t, fb.commits)
}

func TestWithTxStopsOnCancelledContext(t *testing.T) {
	fb := &fakeBeginner{failures: []error{context.Canceled}}
	err := WithTx(context.Background(), fb, func(pgx.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fb.calls)
}

func TestWithTxRerunsCallbackOnSerializationFailure(t *testing.T) {
	for _, code := range []string{codeSerializationFailure, codeDeadlockDetected} {
		t.Run(code, func(t *testing.T) {
			fb := &fakeBeginner{}
			var seen []int
			err := WithTx(context.Background(), fb, func(tx pgx.Tx) error {
				seen = append(seen, tx.(*fakeTx).id)
				if len(seen) == 1 {
					return fmt.Errorf("lock product: %w", &pgconn.PgError{Code: code})
				}
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, []int{1, 2}, seen, "callback must run again on a fresh transaction")
			require.Equal(t, 2, fb.calls)
			require.Equal(t, 1, fb.commits)
			require.Equal(t, 1, fb.rollbacks)
		})
	}
}

func TestWithTxRetriesSerializationFailureAtCommit(t *testing.T) {
	fb := &fakeBeginner{commitErrs: []error{&pgconn.PgError{Code: codeSerializationFailure}}}
	runs := 0
	err := WithTx(context.Background(), fb, func(pgx.Tx) error {
		runs++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, runs)
	require.Equal(t, 1, fb.commits)
}

func TestWithTxDoesNotRetryBusinessErrors(t *testing.T) {
	fb := &fakeBeginner{}
	runs := 0
	err := WithTx(context.Background(), fb, func(pgx.Tx) error {
		runs++
		return shared.Conflict("payment %d already has an invoice", 7)
	})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Equal(t, 1, runs)
	require.Zero(t, fb.commits)
	require.Equal(t, 1, fb.rollbacks)
}

func TestWithTxExhaustsSerializationRetries(t *testing.T) {
	fb := &fakeBeginner{}
	runs := 0
	err := WithTx(context.Background(), fb, func(pgx.Tx) error {
		runs++
		return &pgconn.PgError{Code: codeSerializationFailure}
	})
	require.True(t, IsTransient(err))
	require.Equal(t, MaxTxAttempts, runs)
	require.Zero(t, fb.commits)
}

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	files := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("docs")},
		"draft.sql":      {Data: []byte("SELECT 0;")},
	}
	migrations, err := LoadMigrations(files)
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	require.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})
	require.Equal(t, "SELECT 2;", migrations[1].SQL)
}

func TestEmbeddedMigrationsCarryConstraints(t *testing.T) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	require.NoError(t, err)
	migrations, err := LoadMigrations(sub)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	var all strings.Builder
	for i, m := range migrations {
		require.Equal(t, i+1, m.Version)
		all.WriteString(m.SQL)
	}
	schema := all.String()
	for _, name := range []string{
		"products_code_key",
		"products_stock_check",
		"inventory_movements_ref_key",
		"invoices_payment_id_key",
		"invoices_number_key",
		"invoice_items_delivery_id_key",
		"invoice_items_appointment_id_key",
		"invoice_number_seq",
	} {
		require.Contains(t, schema, name)
	}
}
