package inventory

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementEntry adds units to stock.
	MovementEntry MovementType = "ENTRY"
	// MovementExit removes units from stock.
	MovementExit MovementType = "EXIT"
	// MovementAdjustment overwrites stock with a counted absolute value.
	MovementAdjustment MovementType = "ADJUSTMENT"
	// MovementExpiry removes expired units from stock.
	MovementExpiry MovementType = "EXPIRY"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementEntry, MovementExit, MovementAdjustment, MovementExpiry:
		return true
	}
	return false
}

// Next computes the stock resulting from applying quantity to current.
func (t MovementType) Next(current, quantity int64) (int64, error) {
	switch t {
	case MovementEntry:
		return current + quantity, nil
	case MovementExit, MovementExpiry:
		if current < quantity {
			return 0, shared.InsufficientStock("insufficient stock: available %d, requested %d", current, quantity)
		}
		return current - quantity, nil
	case MovementAdjustment:
		return quantity, nil
	}
	return 0, shared.InvalidInput("unknown movement type %q", string(t))
}

// Product models a stocked item and its current on-hand counter.
type Product struct {
	ID           int64           `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Stock        int64           `json:"stock"`
	MinStock     int64           `json:"min_stock"`
	Price        decimal.Decimal `json:"price"`
	IsMedication bool            `json:"is_medication"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LowStock reports whether the product is at or below its minimum.
func (p Product) LowStock() bool {
	return p.Stock <= p.MinStock
}

// ProductInput registers a new product. Stock always starts at zero.
type ProductInput struct {
	Code         string
	Name         string
	MinStock     int64
	Price        decimal.Decimal
	IsMedication bool
}

func (in ProductInput) normalize() (ProductInput, error) {
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if in.Code == "" || in.Name == "" {
		return in, shared.InvalidInput("product code and name are required")
	}
	if in.MinStock < 0 {
		return in, shared.InvalidInput("min stock must be >= 0")
	}
	if in.Price.IsNegative() {
		return in, shared.InvalidInput("price must be >= 0")
	}
	return in, nil
}

// ProductPatch updates descriptive fields. Nil fields are left untouched.
type ProductPatch struct {
	Code         *string
	Name         *string
	MinStock     *int64
	Price        *decimal.Decimal
	IsMedication *bool
}

func (p ProductPatch) applyTo(product Product) (Product, error) {
	if p.Code != nil {
		product.Code = strings.TrimSpace(*p.Code)
		if product.Code == "" {
			return product, shared.InvalidInput("product code must not be empty")
		}
	}
	if p.Name != nil {
		product.Name = strings.TrimSpace(*p.Name)
		if product.Name == "" {
			return product, shared.InvalidInput("product name must not be empty")
		}
	}
	if p.MinStock != nil {
		if *p.MinStock < 0 {
			return product, shared.InvalidInput("min stock must be >= 0")
		}
		product.MinStock = *p.MinStock
	}
	if p.Price != nil {
		if p.Price.IsNegative() {
			return product, shared.InvalidInput("price must be >= 0")
		}
		product.Price = *p.Price
	}
	if p.IsMedication != nil {
		product.IsMedication = *p.IsMedication
	}
	return product, nil
}

// Movement is an immutable ledger entry. Delta is StockAfter-StockBefore.
type Movement struct {
	ID          int64        `json:"id"`
	ProductID   int64        `json:"product_id"`
	Type        MovementType `json:"type"`
	Quantity    int64        `json:"quantity"`
	StockBefore int64        `json:"stock_before"`
	StockAfter  int64        `json:"stock_after"`
	Reason      string       `json:"reason,omitempty"`
	RefModule   string       `json:"ref_module,omitempty"`
	RefID       int64        `json:"ref_id,omitempty"`
	CreatedBy   int64        `json:"created_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Delta returns the signed stock change produced by the movement.
func (m Movement) Delta() int64 {
	return m.StockAfter - m.StockBefore
}

// MovementInput requests a stock movement.
type MovementInput struct {
	ProductID int64
	Type      MovementType
	Quantity  int64
	Reason    string
	RefModule string
	RefID     int64
	ActorID   int64
	// IdempotencyKey is an optional client supplied UUID.
	IdempotencyKey string
}

// Validate checks the input shape without touching storage.
func (in MovementInput) Validate() error {
	if in.ProductID <= 0 {
		return shared.InvalidInput("product id is required")
	}
	if !in.Type.Valid() {
		return shared.InvalidInput("unknown movement type %q", string(in.Type))
	}
	if in.Type == MovementAdjustment {
		if in.Quantity < 0 {
			return shared.InvalidInput("adjustment quantity must be >= 0")
		}
	} else if in.Quantity <= 0 {
		return shared.InvalidInput("quantity must be positive")
	}
	if (in.RefModule == "") != (in.RefID == 0) {
		return shared.InvalidInput("ref module and ref id must be given together")
	}
	return nil
}

// MovementResult is the persisted movement with the product after it was applied.
type MovementResult struct {
	Movement Movement `json:"movement"`
	Product  Product  `json:"product"`
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	ProductID int64
	Limit     int
}

// Reconciliation compares a product counter against its movement history.
type Reconciliation struct {
	ProductID      int64 `json:"product_id"`
	Stock          int64 `json:"stock"`
	MovementDelta  int64 `json:"movement_delta"`
	MovementCount  int64 `json:"movement_count"`
	LastStockAfter int64 `json:"last_stock_after"`
}

// Consistent reports whether stock matches both the delta sum and the last snapshot.
func (r Reconciliation) Consistent() bool {
	if r.Stock != r.MovementDelta {
		return false
	}
	if r.MovementCount == 0 {
		return r.Stock == 0
	}
	return r.Stock == r.LastStockAfter
}
