package inventory

import (
	"context"
	"time"
)

// LedgerTx is the transactional surface needed to move stock. Implementations
// must lock the product row in GetProductForUpdate until the transaction ends.
type LedgerTx interface {
	GetProductForUpdate(ctx context.Context, id int64) (Product, error)
	InsertMovement(ctx context.Context, movement Movement) (Movement, error)
	SetStock(ctx context.Context, productID, stock int64, at time.Time) error
}

// Apply records one movement against a caller owned transaction: lock the
// product, compute the new stock, append the movement with its snapshots and
// overwrite the counter. It is the only code path that writes stock.
func Apply(ctx context.Context, tx LedgerTx, in MovementInput, now time.Time) (MovementResult, error) {
	if err := in.Validate(); err != nil {
		return MovementResult{}, err
	}
	product, err := tx.GetProductForUpdate(ctx, in.ProductID)
	if err != nil {
		return MovementResult{}, err
	}
	next, err := in.Type.Next(product.Stock, in.Quantity)
	if err != nil {
		return MovementResult{}, err
	}
	movement, err := tx.InsertMovement(ctx, Movement{
		ProductID:   product.ID,
		Type:        in.Type,
		Quantity:    in.Quantity,
		StockBefore: product.Stock,
		StockAfter:  next,
		Reason:      in.Reason,
		RefModule:   in.RefModule,
		RefID:       in.RefID,
		CreatedBy:   in.ActorID,
		CreatedAt:   now,
	})
	if err != nil {
		return MovementResult{}, err
	}
	if err := tx.SetStock(ctx, product.ID, next, now); err != nil {
		return MovementResult{}, err
	}
	product.Stock = next
	product.UpdatedAt = now
	return MovementResult{Movement: movement, Product: product}, nil
}
