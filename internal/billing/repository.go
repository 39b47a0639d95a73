package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-clinic/backoffice/internal/platform/db"
	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// Repository persists invoices in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a retrying repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("billing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const invoiceColumns = `id, number, payment_id, subtotal, taxes, total, issue_date, due_date, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.PaymentID, &inv.Subtotal, &inv.Taxes, &inv.Total, &inv.IssueDate, &inv.DueDate, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

const itemColumns = `id, invoice_id, description, quantity, unit_price, total, appointment_id, delivery_id`

func scanItem(row pgx.Row) (InvoiceItem, error) {
	var item InvoiceItem
	err := row.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.Quantity, &item.UnitPrice, &item.Total, &item.AppointmentID, &item.DeliveryID)
	return item, err
}

func getInvoice(ctx context.Context, q querier, where string, arg any) (Invoice, error) {
	inv, err := scanInvoice(q.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, shared.NotFound("invoice %v not found", arg)
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: get invoice: %w", err)
	}
	items, err := loadItems(ctx, q, []int64{inv.ID})
	if err != nil {
		return Invoice{}, err
	}
	inv.Items = items[inv.ID]
	if inv.Items == nil {
		inv.Items = []InvoiceItem{}
	}
	return inv, nil
}

func loadItems(ctx context.Context, q querier, invoiceIDs []int64) (map[int64][]InvoiceItem, error) {
	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM invoice_items WHERE invoice_id = ANY($1) ORDER BY id ASC`, invoiceIDs)
	if err != nil {
		return nil, fmt.Errorf("billing: load items: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]InvoiceItem, len(invoiceIDs))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out[item.InvoiceID] = append(out[item.InvoiceID], item)
	}
	return out, rows.Err()
}

// GetInvoice loads an invoice with its items.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, r.pool, `id=$1`, id)
}

// FindByNumber loads the invoice with the given number.
func (r *Repository) FindByNumber(ctx context.Context, number string) (Invoice, error) {
	return getInvoice(ctx, r.pool, `number=$1`, number)
}

// FindByPayment loads the invoice issued for a payment.
func (r *Repository) FindByPayment(ctx context.Context, paymentID int64) (Invoice, error) {
	return getInvoice(ctx, r.pool, `payment_id=$1`, paymentID)
}

// ListInvoices lists invoices newest first with their items.
func (r *Repository) ListInvoices(ctx context.Context) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices ORDER BY issue_date DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoices: %w", err)
	}
	invoices := []Invoice{}
	ids := []int64{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		invoices = append(invoices, inv)
		ids = append(ids, inv.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return invoices, nil
	}
	items, err := loadItems(ctx, r.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].Items = items[invoices[i].ID]
		if invoices[i].Items == nil {
			invoices[i].Items = []InvoiceItem{}
		}
	}
	return invoices, nil
}

func (r *txRepository) NextInvoiceSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("billing: next invoice number: %w", err)
	}
	return seq, nil
}

func (r *txRepository) PaymentInvoiced(ctx context.Context, paymentID int64) (bool, error) {
	var exists bool
	if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE payment_id=$1)`, paymentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("billing: payment invoiced: %w", err)
	}
	return exists, nil
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO invoices (number, payment_id, subtotal, taxes, total, issue_date, due_date, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+invoiceColumns, inv.Number, inv.PaymentID, inv.Subtotal, inv.Taxes, inv.Total, inv.IssueDate, inv.DueDate, inv.CreatedAt, inv.UpdatedAt)
	created, err := scanInvoice(row)
	if err != nil {
		if name, ok := db.UniqueViolation(err); ok {
			if name == "invoices_payment_id_key" {
				return Invoice{}, shared.Conflict("payment %d already has an invoice", inv.PaymentID)
			}
			return Invoice{}, shared.Conflict("invoice number %s already used", inv.Number)
		}
		if _, ok := db.CheckViolation(err); ok {
			return Invoice{}, shared.InvalidInput("invoice amounts are inconsistent")
		}
		return Invoice{}, fmt.Errorf("billing: insert invoice: %w", err)
	}
	return created, nil
}

func (r *txRepository) InsertItem(ctx context.Context, item InvoiceItem) (InvoiceItem, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO invoice_items (invoice_id, description, quantity, unit_price, total, appointment_id, delivery_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+itemColumns, item.InvoiceID, item.Description, item.Quantity, item.UnitPrice, item.Total, item.AppointmentID, item.DeliveryID)
	created, err := scanItem(row)
	if err == nil {
		return created, nil
	}
	if name, ok := db.UniqueViolation(err); ok {
		if name == "invoice_items_delivery_id_key" && item.DeliveryID != nil {
			return InvoiceItem{}, shared.Conflict("delivery %d is already billed", *item.DeliveryID)
		}
		if item.AppointmentID != nil {
			return InvoiceItem{}, shared.Conflict("appointment %d is already billed", *item.AppointmentID)
		}
		return InvoiceItem{}, shared.Conflict("item is already billed")
	}
	if _, ok := db.ForeignKeyViolation(err); ok && item.DeliveryID != nil {
		return InvoiceItem{}, shared.NotFound("delivery %d not found", *item.DeliveryID)
	}
	if _, ok := db.CheckViolation(err); ok {
		return InvoiceItem{}, shared.InvalidInput("invoice item violates a constraint")
	}
	return InvoiceItem{}, fmt.Errorf("billing: insert item: %w", err)
}

func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, r.tx, `id=$1 FOR UPDATE`, id)
}

func (r *txRepository) UpdateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	row := r.tx.QueryRow(ctx, `UPDATE invoices SET subtotal=$2, taxes=$3, total=$4, due_date=$5, updated_at=$6
WHERE id=$1
RETURNING `+invoiceColumns, inv.ID, inv.Subtotal, inv.Taxes, inv.Total, inv.DueDate, inv.UpdatedAt)
	updated, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, shared.NotFound("invoice %d not found", inv.ID)
	}
	if err != nil {
		if _, ok := db.CheckViolation(err); ok {
			return Invoice{}, shared.InvalidInput("invoice amounts are inconsistent")
		}
		return Invoice{}, fmt.Errorf("billing: update invoice: %w", err)
	}
	updated.Items = inv.Items
	return updated, nil
}

func (r *txRepository) DeleteInvoice(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM invoices WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("billing: delete invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("invoice %d not found", id)
	}
	return nil
}
