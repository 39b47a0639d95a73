package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/inventory/inventorytest"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

type recordingListener struct {
	mu     sync.Mutex
	events []inventory.MovementRecordedEvent
	err    error
}

func (l *recordingListener) MovementRecorded(_ context.Context, evt inventory.MovementRecordedEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return l.err
}

type countingMetrics struct {
	mu         sync.Mutex
	recorded   map[string]int
	rejections int
}

func (m *countingMetrics) MovementRecorded(movementType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded == nil {
		m.recorded = map[string]int{}
	}
	m.recorded[movementType]++
}

func (m *countingMetrics) StockRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections++
}

// cancelOnCommit cancels the request context after the callback ran, as a
// client disconnect or request timeout does right before COMMIT.
type cancelOnCommit struct {
	*inventorytest.Store
	cancel context.CancelFunc
}

func (r *cancelOnCommit) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return r.Store.WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		r.cancel()
		return ctx.Err()
	})
}

func newService(store *inventorytest.Store) *inventory.Service {
	return inventory.NewService(store, nil, inventory.ServiceConfig{}, nil)
}

func requireReconciled(t *testing.T, svc *inventory.Service, productID int64) inventory.Reconciliation {
	t.Helper()
	rec, err := svc.Reconcile(context.Background(), productID)
	require.NoError(t, err)
	require.True(t, rec.Consistent(), "ledger drift: %+v", rec)
	return rec
}

func TestExitRejectedWhenStockInsufficient(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "P", Name: "Paracetamol", Stock: 10})
	svc := newService(store)
	ctx := context.Background()

	res, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementExit, Quantity: 6})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Product.Stock)
	require.Equal(t, int64(10), res.Movement.StockBefore)
	require.Equal(t, int64(4), res.Movement.StockAfter)
	require.Len(t, store.Movements(), 2)

	_, err = svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementExit, Quantity: 5})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	current, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), current.Stock)
	require.Len(t, store.Movements(), 2)
	requireReconciled(t, svc, product.ID)
}

func TestMovementTypes(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "G1", Name: "Gauze"})
	svc := newService(store)
	ctx := context.Background()

	steps := []struct {
		typ      inventory.MovementType
		qty      int64
		expected int64
	}{
		{inventory.MovementEntry, 20, 20},
		{inventory.MovementExit, 3, 17},
		{inventory.MovementExpiry, 2, 15},
		{inventory.MovementAdjustment, 12, 12},
		{inventory.MovementAdjustment, 0, 0},
		{inventory.MovementEntry, 5, 5},
	}
	for _, step := range steps {
		res, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: step.typ, Quantity: step.qty})
		require.NoError(t, err, step.typ)
		require.Equal(t, step.expected, res.Product.Stock, step.typ)
	}

	rec := requireReconciled(t, svc, product.ID)
	require.Equal(t, int64(5), rec.Stock)
	require.Equal(t, int64(len(steps)), rec.MovementCount)

	_, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementExpiry, Quantity: 6})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
}

func TestRecordMovementValidation(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "S1", Name: "Syringe", Stock: 3})
	svc := newService(store)
	ctx := context.Background()

	cases := []inventory.MovementInput{
		{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 0},
		{ProductID: product.ID, Type: inventory.MovementExit, Quantity: -1},
		{ProductID: product.ID, Type: inventory.MovementAdjustment, Quantity: -1},
		{ProductID: product.ID, Type: "TRANSFER", Quantity: 1},
		{ProductID: 0, Type: inventory.MovementEntry, Quantity: 1},
		{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 1, RefModule: "manual"},
	}
	for _, in := range cases {
		_, err := svc.RecordMovement(ctx, in)
		require.ErrorIs(t, err, shared.ErrInvalidInput, "%+v", in)
	}

	_, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: 999, Type: inventory.MovementEntry, Quantity: 1})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Len(t, store.Movements(), 1)
}

func TestFailedMovementLeavesNoTrace(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "B1", Name: "Bandage", Stock: 8})
	svc := newService(store)

	store.FailInsertMovement = errors.New("disk full")
	_, err := svc.RecordMovement(context.Background(), inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementExit, Quantity: 2})
	require.Error(t, err)

	current, err := svc.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), current.Stock)
	requireReconciled(t, svc, product.ID)
}

func TestConcurrentExitsNeverOversell(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "AMX", Name: "Amoxicillin", Stock: 25})
	metrics := &countingMetrics{}
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{Metrics: metrics}, nil)

	var (
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	var g errgroup.Group
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			_, err := svc.RecordMovement(context.Background(), inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementExit, Quantity: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, shared.ErrInsufficientStock):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 25, succeeded)
	require.Equal(t, 15, rejected)
	require.Equal(t, 25, metrics.recorded["EXIT"])
	require.Equal(t, 15, metrics.rejections)

	rec := requireReconciled(t, svc, product.ID)
	require.Equal(t, int64(0), rec.Stock)
}

func TestConcurrentMixedMovementsReconcile(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "IBU", Name: "Ibuprofen", Stock: 5})
	svc := newService(store)

	var g errgroup.Group
	for i := 0; i < 30; i++ {
		typ := inventory.MovementEntry
		if i%2 == 1 {
			typ = inventory.MovementExit
		}
		g.Go(func() error {
			_, err := svc.RecordMovement(context.Background(), inventory.MovementInput{ProductID: product.ID, Type: typ, Quantity: 2})
			if err != nil && !errors.Is(err, shared.ErrInsufficientStock) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	rec := requireReconciled(t, svc, product.ID)
	require.GreaterOrEqual(t, rec.Stock, int64(0))
	for _, m := range store.Movements() {
		require.GreaterOrEqual(t, m.StockAfter, int64(0))
	}
}

func TestIdempotencyKeyReplay(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "K1", Name: "Kit"})
	svc := newService(store)
	ctx := context.Background()
	key := "2f1c1f0e-5d84-4b55-9a4a-7f3c0cf5d4a1"

	_, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 4, IdempotencyKey: key})
	require.NoError(t, err)
	_, err = svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 4, IdempotencyKey: key})
	require.ErrorIs(t, err, shared.ErrConflict)

	failKey := "0d3c7a55-1b8e-4e41-8f1c-0c0f4b8a6f02"
	_, err = svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementExit, Quantity: 50, IdempotencyKey: failKey})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.False(t, store.HasIdempotencyKey(failKey))
	require.True(t, store.HasIdempotencyKey(key))

	_, err = svc.RecordMovement(ctx, inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 1, IdempotencyKey: "not-a-uuid"})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	current, _ := svc.GetProduct(ctx, product.ID)
	require.Equal(t, int64(4), current.Stock)
}

func TestIdempotencyKeyRolledBackWithCancelledMovement(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "K2", Name: "Gauze", Stock: 10})
	key := "6b0f5c3e-9a52-4d7e-b1c4-3f2e8a9d1c07"
	input := inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 5, IdempotencyKey: key}

	ctx, cancel := context.WithCancel(context.Background())
	interrupted := inventory.NewService(&cancelOnCommit{Store: store, cancel: cancel}, nil, inventory.ServiceConfig{}, nil)
	_, err := interrupted.RecordMovement(ctx, input)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, store.HasIdempotencyKey(key))

	svc := newService(store)
	res, err := svc.RecordMovement(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, int64(15), res.Product.Stock)
	require.True(t, store.HasIdempotencyKey(key))

	_, err = svc.RecordMovement(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrIdempotencyReplay)
	requireReconciled(t, svc, product.ID)
}

func TestListenerFailureDoesNotUndoMovement(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "L1", Name: "Lidocaine", MinStock: 5})
	listener := &recordingListener{err: errors.New("broker down")}
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{}, listener)

	res, err := svc.RecordMovement(context.Background(), inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementEntry, Quantity: 3})
	require.NoError(t, err)
	require.Len(t, listener.events, 1)
	require.Equal(t, res.Movement.ID, listener.events[0].MovementID)
	require.True(t, listener.events[0].LowStock)
	require.Equal(t, int64(3), listener.events[0].StockAfter)
}

func TestProductRegistry(t *testing.T) {
	store := inventorytest.NewStore()
	svc := newService(store)
	ctx := context.Background()

	created, err := svc.RegisterProduct(ctx, inventory.ProductInput{Code: " ASP-100 ", Name: "Aspirin", MinStock: 4, Price: decimal.RequireFromString("2.50")})
	require.NoError(t, err)
	require.Equal(t, "ASP-100", created.Code)
	require.Zero(t, created.Stock)

	_, err = svc.RegisterProduct(ctx, inventory.ProductInput{Code: "ASP-100", Name: "Duplicate"})
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.RegisterProduct(ctx, inventory.ProductInput{Code: "NEG", Name: "Negative", Price: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	other, err := svc.RegisterProduct(ctx, inventory.ProductInput{Code: "BND-1", Name: "Bandage"})
	require.NoError(t, err)

	taken := "ASP-100"
	_, err = svc.UpdateProduct(ctx, other.ID, inventory.ProductPatch{Code: &taken})
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.RecordMovement(ctx, inventory.MovementInput{ProductID: created.ID, Type: inventory.MovementEntry, Quantity: 9})
	require.NoError(t, err)

	name := "Aspirin 100mg"
	minStock := int64(10)
	updated, err := svc.UpdateProduct(ctx, created.ID, inventory.ProductPatch{Name: &name, MinStock: &minStock})
	require.NoError(t, err)
	require.Equal(t, "Aspirin 100mg", updated.Name)
	require.Equal(t, int64(9), updated.Stock)

	low, err := svc.ListLowStock(ctx)
	require.NoError(t, err)
	require.Len(t, low, 2)
	require.Equal(t, other.ID, low[0].ID)
	require.Equal(t, created.ID, low[1].ID)

	_, err = svc.UpdateProduct(ctx, 999, inventory.ProductPatch{Name: &name})
	require.ErrorIs(t, err, shared.ErrNotFound)

	require.ErrorIs(t, svc.RemoveProduct(ctx, created.ID), shared.ErrConflict)
	require.NoError(t, svc.RemoveProduct(ctx, other.ID))
	require.ErrorIs(t, svc.RemoveProduct(ctx, other.ID), shared.ErrNotFound)
}

func TestListMovementsNewestFirst(t *testing.T) {
	store := inventorytest.NewStore()
	a := store.Seed(inventory.Product{Code: "A", Name: "A"})
	b := store.Seed(inventory.Product{Code: "B", Name: "B"})
	svc := newService(store)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		_, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: a.ID, Type: inventory.MovementEntry, Quantity: i})
		require.NoError(t, err)
	}
	_, err := svc.RecordMovement(ctx, inventory.MovementInput{ProductID: b.ID, Type: inventory.MovementEntry, Quantity: 7})
	require.NoError(t, err)

	movements, err := svc.ListMovements(ctx, inventory.MovementFilter{ProductID: a.ID})
	require.NoError(t, err)
	require.Len(t, movements, 3)
	require.Equal(t, int64(3), movements[0].Quantity)
	require.Equal(t, int64(1), movements[2].Quantity)

	got, err := svc.GetMovement(ctx, movements[0].ID)
	require.NoError(t, err)
	require.Equal(t, movements[0], got)

	_, err = svc.GetMovement(ctx, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
