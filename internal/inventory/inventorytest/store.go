// Package inventorytest provides an in-memory inventory store for tests.
//
// Transactions are serialized behind one mutex and restored from a snapshot
// when the callback fails, which mirrors row locking plus rollback.
package inventorytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// Store keeps products and movements in memory.
type Store struct {
	mu             sync.Mutex
	products       map[int64]inventory.Product
	movements      []inventory.Movement
	nextProductID  int64
	nextMovementID int64
	keys           map[string]string

	// FailInsertMovement, when set, is returned by the next InsertMovement call.
	FailInsertMovement error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{products: make(map[int64]inventory.Product), keys: make(map[string]string)}
}

// Seed inserts p. A non-zero stock is recorded as an opening ENTRY so that the
// ledger still reconciles.
func (s *Store) Seed(p inventory.Product) inventory.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProductID++
	p.ID = s.nextProductID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
	}
	if p.Stock > 0 {
		s.nextMovementID++
		s.movements = append(s.movements, inventory.Movement{
			ID:          s.nextMovementID,
			ProductID:   p.ID,
			Type:        inventory.MovementEntry,
			Quantity:    p.Stock,
			StockBefore: 0,
			StockAfter:  p.Stock,
			Reason:      "opening balance",
			CreatedAt:   p.CreatedAt,
		})
	}
	s.products[p.ID] = p
	return p
}

// Movements returns a copy of every movement in insertion order.
func (s *Store) Movements() []inventory.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Movement, len(s.movements))
	copy(out, s.movements)
	return out
}

// HasIdempotencyKey reports whether key was committed.
func (s *Store) HasIdempotencyKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Tx is the transactional view handed to callbacks.
type Tx struct {
	store *Store
}

// Atomically runs fn while holding the store lock and rolls state back when fn fails.
func (s *Store) Atomically(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	products := make(map[int64]inventory.Product, len(s.products))
	for id, p := range s.products {
		products[id] = p
	}
	movements := make([]inventory.Movement, len(s.movements))
	copy(movements, s.movements)
	keys := make(map[string]string, len(s.keys))
	for k, module := range s.keys {
		keys[k] = module
	}
	nextProductID, nextMovementID := s.nextProductID, s.nextMovementID

	if err := fn(&Tx{store: s}); err != nil {
		s.products = products
		s.movements = movements
		s.keys = keys
		s.nextProductID, s.nextMovementID = nextProductID, nextMovementID
		return err
	}
	return nil
}

// WithTx implements inventory.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return s.Atomically(func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

// GetProduct implements inventory.RepositoryPort.
func (s *Store) GetProduct(_ context.Context, id int64) (inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.product(id)
}

func (s *Store) product(id int64) (inventory.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return inventory.Product{}, shared.NotFound("product %d not found", id)
	}
	return p, nil
}

// ListProducts implements inventory.RepositoryPort.
func (s *Store) ListProducts(_ context.Context) ([]inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ListLowStock implements inventory.RepositoryPort.
func (s *Store) ListLowStock(ctx context.Context) ([]inventory.Product, error) {
	all, _ := s.ListProducts(ctx)
	out := []inventory.Product{}
	for _, p := range all {
		if p.LowStock() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Stock < out[j].Stock })
	return out, nil
}

// GetMovement implements inventory.RepositoryPort.
func (s *Store) GetMovement(_ context.Context, id int64) (inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.movements {
		if m.ID == id {
			return m, nil
		}
	}
	return inventory.Movement{}, shared.NotFound("movement %d not found", id)
}

// ListMovements implements inventory.RepositoryPort.
func (s *Store) ListMovements(_ context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []inventory.Movement{}
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if filter.ProductID != 0 && m.ProductID != filter.ProductID {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// GetProduct implements inventory.TxRepository.
func (tx *Tx) GetProduct(_ context.Context, id int64) (inventory.Product, error) {
	return tx.store.product(id)
}

// GetProductForUpdate implements inventory.LedgerTx.
func (tx *Tx) GetProductForUpdate(_ context.Context, id int64) (inventory.Product, error) {
	return tx.store.product(id)
}

// FindProductByCode implements inventory.TxRepository.
func (tx *Tx) FindProductByCode(_ context.Context, code string) (inventory.Product, error) {
	for _, p := range tx.store.products {
		if p.Code == code {
			return p, nil
		}
	}
	return inventory.Product{}, shared.NotFound("product %s not found", code)
}

// InsertProduct implements inventory.TxRepository.
func (tx *Tx) InsertProduct(ctx context.Context, p inventory.Product) (inventory.Product, error) {
	if _, err := tx.FindProductByCode(ctx, p.Code); err == nil {
		return inventory.Product{}, shared.Conflict("product code %q already exists", p.Code)
	}
	tx.store.nextProductID++
	p.ID = tx.store.nextProductID
	p.Stock = 0
	tx.store.products[p.ID] = p
	return p, nil
}

// UpdateProduct implements inventory.TxRepository. Stock is preserved.
func (tx *Tx) UpdateProduct(_ context.Context, p inventory.Product) (inventory.Product, error) {
	current, err := tx.store.product(p.ID)
	if err != nil {
		return inventory.Product{}, err
	}
	for _, other := range tx.store.products {
		if other.ID != p.ID && other.Code == p.Code {
			return inventory.Product{}, shared.Conflict("product code %q already exists", p.Code)
		}
	}
	p.Stock = current.Stock
	p.CreatedAt = current.CreatedAt
	tx.store.products[p.ID] = p
	return p, nil
}

// DeleteProduct implements inventory.TxRepository.
func (tx *Tx) DeleteProduct(ctx context.Context, id int64) error {
	used, _ := tx.ProductHasHistory(ctx, id)
	if used {
		return shared.Conflict("product %d has stock history and cannot be removed", id)
	}
	if _, ok := tx.store.products[id]; !ok {
		return shared.NotFound("product %d not found", id)
	}
	delete(tx.store.products, id)
	return nil
}

// ProductHasHistory implements inventory.TxRepository.
func (tx *Tx) ProductHasHistory(_ context.Context, id int64) (bool, error) {
	for _, m := range tx.store.movements {
		if m.ProductID == id {
			return true, nil
		}
	}
	return false, nil
}

// InsertMovement implements inventory.LedgerTx.
func (tx *Tx) InsertMovement(_ context.Context, m inventory.Movement) (inventory.Movement, error) {
	if err := tx.store.FailInsertMovement; err != nil {
		tx.store.FailInsertMovement = nil
		return inventory.Movement{}, err
	}
	if _, ok := tx.store.products[m.ProductID]; !ok {
		return inventory.Movement{}, shared.NotFound("product %d not found", m.ProductID)
	}
	if m.RefModule != "" {
		for _, existing := range tx.store.movements {
			if existing.RefModule == m.RefModule && existing.RefID == m.RefID {
				return inventory.Movement{}, shared.Conflict("movement for %s %d already recorded", m.RefModule, m.RefID)
			}
		}
	}
	tx.store.nextMovementID++
	m.ID = tx.store.nextMovementID
	tx.store.movements = append(tx.store.movements, m)
	return m, nil
}

// SetStock implements inventory.LedgerTx.
func (tx *Tx) SetStock(_ context.Context, productID, stock int64, at time.Time) error {
	p, err := tx.store.product(productID)
	if err != nil {
		return err
	}
	if stock < 0 {
		return fmt.Errorf("products_stock_check violated for product %d", productID)
	}
	p.Stock = stock
	p.UpdatedAt = at
	tx.store.products[productID] = p
	return nil
}

// MovementTotals implements inventory.TxRepository.
func (tx *Tx) MovementTotals(_ context.Context, productID int64) (inventory.Reconciliation, error) {
	var rec inventory.Reconciliation
	for _, m := range tx.store.movements {
		if m.ProductID != productID {
			continue
		}
		rec.MovementDelta += m.Delta()
		rec.MovementCount++
		rec.LastStockAfter = m.StockAfter
	}
	return rec, nil
}

// ClaimIdempotencyKey implements inventory.TxRepository.
func (tx *Tx) ClaimIdempotencyKey(_ context.Context, key, module string) error {
	if _, ok := tx.store.keys[key]; ok {
		return shared.ErrIdempotencyReplay
	}
	tx.store.keys[key] = module
	return nil
}
