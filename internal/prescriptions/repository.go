package prescriptions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/platform/db"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// Repository persists deliveries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	inventory.LedgerTx
	tx pgx.Tx
}

// WithTx executes the callback inside a retrying repeatable-read transaction
// shared with the stock ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("prescriptions repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{LedgerTx: inventory.NewLedgerTx(tx), tx: tx})
	})
}

const deliveryColumns = `id, prescription_id, product_id, delivered_by, quantity, unit_price, total_price, delivered_at, created_at`

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.PrescriptionID, &d.ProductID, &d.DeliveredBy, &d.Quantity, &d.UnitPrice, &d.TotalPrice, &d.DeliveredAt, &d.CreatedAt)
	return d, err
}

func (r *txRepository) InsertDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO prescription_deliveries (prescription_id, product_id, delivered_by, quantity, unit_price, total_price, delivered_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+deliveryColumns, d.PrescriptionID, d.ProductID, d.DeliveredBy, d.Quantity, d.UnitPrice, d.TotalPrice, d.DeliveredAt, d.CreatedAt)
	created, err := scanDelivery(row)
	if err != nil {
		if _, ok := db.ForeignKeyViolation(err); ok {
			return Delivery{}, shared.NotFound("product %d not found", d.ProductID)
		}
		if _, ok := db.CheckViolation(err); ok {
			return Delivery{}, shared.InvalidInput("delivery violates a constraint")
		}
		return Delivery{}, fmt.Errorf("prescriptions: insert delivery: %w", err)
	}
	return created, nil
}

// GetDelivery loads one delivery.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	d, err := scanDelivery(r.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM prescription_deliveries WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, shared.NotFound("delivery %d not found", id)
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("prescriptions: get delivery: %w", err)
	}
	return d, nil
}

// ListByPrescription lists deliveries newest first.
func (r *Repository) ListByPrescription(ctx context.Context, prescriptionID int64) ([]Delivery, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deliveryColumns+` FROM prescription_deliveries
WHERE prescription_id=$1
ORDER BY delivered_at DESC, id DESC`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("prescriptions: list deliveries: %w", err)
	}
	defer rows.Close()
	deliveries := []Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// ListForBilling lists deliveries with their invoice link, newest first.
func (r *Repository) ListForBilling(ctx context.Context, billed *bool) ([]BillableDelivery, error) {
	rows, err := r.pool.Query(ctx, `SELECT d.id, d.prescription_id, d.product_id, d.delivered_by, d.quantity, d.unit_price, d.total_price, d.delivered_at, d.created_at,
    p.name, ii.id, ii.invoice_id, i.number, i.payment_id
FROM prescription_deliveries d
JOIN products p ON p.id = d.product_id
LEFT JOIN invoice_items ii ON ii.delivery_id = d.id
LEFT JOIN invoices i ON i.id = ii.invoice_id
WHERE $1::boolean IS NULL OR ($1 AND ii.id IS NOT NULL) OR (NOT $1 AND ii.id IS NULL)
ORDER BY d.delivered_at DESC, d.id DESC`, billed)
	if err != nil {
		return nil, fmt.Errorf("prescriptions: list deliveries for billing: %w", err)
	}
	defer rows.Close()
	out := []BillableDelivery{}
	for rows.Next() {
		var (
			bd        BillableDelivery
			itemID    *int64
			invoiceID *int64
			number    *string
			paymentID *int64
		)
		if err := rows.Scan(&bd.ID, &bd.PrescriptionID, &bd.ProductID, &bd.DeliveredBy, &bd.Quantity, &bd.UnitPrice, &bd.TotalPrice, &bd.DeliveredAt, &bd.CreatedAt,
			&bd.ProductName, &itemID, &invoiceID, &number, &paymentID); err != nil {
			return nil, err
		}
		if itemID != nil {
			bd.Invoice = &BillingLink{InvoiceItemID: *itemID, InvoiceID: *invoiceID, InvoiceNumber: *number, PaymentID: *paymentID}
		}
		out = append(out, bd)
	}
	return out, rows.Err()
}
