// Package collab adapts the clinical and payment modules that own
// prescriptions, employees and payments. The core only reads them, except for
// flagging a payment once its invoice is issued.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// Prescription is the read-only view of a prescription.
type Prescription struct {
	ID           int64
	RecordID     int64
	ProductID    int64
	PrescribedBy int64
	Dosage       string
	Instructions string
	StartDate    time.Time
	EndDate      *time.Time
	IsActive     bool
}

// Clinical looks up prescriptions and employees.
type Clinical struct {
	pool *pgxpool.Pool
}

// NewClinical constructs Clinical.
func NewClinical(pool *pgxpool.Pool) *Clinical {
	return &Clinical{pool: pool}
}

// GetPrescription returns the prescription or a NotFound error.
func (c *Clinical) GetPrescription(ctx context.Context, id int64) (Prescription, error) {
	var p Prescription
	err := c.pool.QueryRow(ctx, `SELECT id, record_id, product_id, prescribed_by, COALESCE(dosage, ''), COALESCE(instructions, ''), start_date, end_date, is_active
FROM prescriptions WHERE id=$1`, id).Scan(&p.ID, &p.RecordID, &p.ProductID, &p.PrescribedBy, &p.Dosage, &p.Instructions, &p.StartDate, &p.EndDate, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Prescription{}, shared.NotFound("prescription %d not found", id)
	}
	if err != nil {
		return Prescription{}, fmt.Errorf("collab: get prescription: %w", err)
	}
	return p, nil
}

// EmployeeExists reports whether the employee id is known.
func (c *Clinical) EmployeeExists(ctx context.Context, id int64) (bool, error) {
	return exists(ctx, c.pool, `SELECT EXISTS (SELECT 1 FROM employees WHERE id=$1)`, id)
}

// Payments looks up payments and flags them as invoiced.
type Payments struct {
	pool *pgxpool.Pool
}

// NewPayments constructs Payments.
func NewPayments(pool *pgxpool.Pool) *Payments {
	return &Payments{pool: pool}
}

// PaymentExists reports whether the payment id is known.
func (p *Payments) PaymentExists(ctx context.Context, id int64) (bool, error) {
	return exists(ctx, p.pool, `SELECT EXISTS (SELECT 1 FROM payments WHERE id=$1)`, id)
}

// MarkInvoiced records the invoice number on the payment. Re-marking with the
// same number is a no-op, and so is marking an invoice that was removed
// before the hand-off ran.
func (p *Payments) MarkInvoiced(ctx context.Context, paymentID int64, invoiceNumber string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE payments SET invoice_number=$2, invoiced_at=COALESCE(invoiced_at, NOW())
WHERE id=$1 AND EXISTS (SELECT 1 FROM invoices WHERE number=$2 AND payment_id=$1)`, paymentID, invoiceNumber)
	if err != nil {
		return fmt.Errorf("collab: mark payment invoiced: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	ok, err := p.PaymentExists(ctx, paymentID)
	if err != nil {
		return err
	}
	if !ok {
		return shared.NotFound("payment %d not found", paymentID)
	}
	return nil
}

// ClearInvoiced removes invoiceNumber from the payment. A payment already
// carrying a newer invoice is left alone.
func (p *Payments) ClearInvoiced(ctx context.Context, paymentID int64, invoiceNumber string) error {
	_, err := p.pool.Exec(ctx, `UPDATE payments SET invoice_number=NULL, invoiced_at=NULL WHERE id=$1 AND invoice_number=$2`, paymentID, invoiceNumber)
	if err != nil {
		return fmt.Errorf("collab: clear payment invoice: %w", err)
	}
	return nil
}

func exists(ctx context.Context, pool *pgxpool.Pool, sql string, id int64) (bool, error) {
	var ok bool
	if err := pool.QueryRow(ctx, sql, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("collab: lookup: %w", err)
	}
	return ok, nil
}
