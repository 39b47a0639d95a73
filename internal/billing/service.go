package billing

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-clinic/backoffice/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	FindByNumber(ctx context.Context, number string) (Invoice, error)
	FindByPayment(ctx context.Context, paymentID int64) (Invoice, error)
	ListInvoices(ctx context.Context) ([]Invoice, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	NextInvoiceSeq(ctx context.Context) (int64, error)
	PaymentInvoiced(ctx context.Context, paymentID int64) (bool, error)
	InsertInvoice(ctx context.Context, invoice Invoice) (Invoice, error)
	InsertItem(ctx context.Context, item InvoiceItem) (InvoiceItem, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoice(ctx context.Context, invoice Invoice) (Invoice, error)
	DeleteInvoice(ctx context.Context, id int64) error
}

// PaymentsPort checks payments owned by the payment module.
type PaymentsPort interface {
	PaymentExists(ctx context.Context, id int64) (bool, error)
}

// Notifier receives committed invoice lifecycle events.
type Notifier interface {
	InvoiceIssued(ctx context.Context, evt InvoiceIssuedEvent) error
	InvoiceVoided(ctx context.Context, evt InvoiceVoidedEvent) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives domain counters.
type MetricsPort interface {
	InvoiceIssued()
}

// Service composes invoices from billable events.
type Service struct {
	repo      RepositoryPort
	payments  PaymentsPort
	audit     AuditPort
	notifiers []Notifier
	metrics   MetricsPort
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Logger    *slog.Logger
	Metrics   MetricsPort
	Notifiers []Notifier
	Now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, payments PaymentsPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:      repo,
		payments:  payments,
		audit:     audit,
		notifiers: cfg.Notifiers,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       now,
	}
}

// CreateInvoice issues an invoice for a payment. The data store's unique
// constraints reject a second invoice for the payment and any event billed twice.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	if input.PaymentID <= 0 {
		return Invoice{}, shared.InvalidInput("payment id is required")
	}
	if err := nonNegative("subtotal", input.Subtotal); err != nil {
		return Invoice{}, err
	}
	if err := nonNegative("taxes", input.Taxes); err != nil {
		return Invoice{}, err
	}
	items, itemSum, err := buildItems(input.Items)
	if err != nil {
		return Invoice{}, err
	}
	ok, err := s.payments.PaymentExists(ctx, input.PaymentID)
	if err != nil {
		return Invoice{}, err
	}
	if !ok {
		return Invoice{}, shared.NotFound("payment %d not found", input.PaymentID)
	}

	subtotal := itemSum
	if input.Subtotal != nil {
		subtotal = money(*input.Subtotal)
	}
	taxes := decimal.Zero
	if input.Taxes != nil {
		taxes = money(*input.Taxes)
	}

	var created Invoice
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		invoiced, err := tx.PaymentInvoiced(ctx, input.PaymentID)
		if err != nil {
			return err
		}
		if invoiced {
			return shared.Conflict("payment %d already has an invoice", input.PaymentID)
		}
		seq, err := tx.NextInvoiceSeq(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		created, err = tx.InsertInvoice(ctx, Invoice{
			Number:    FormatNumber(seq),
			PaymentID: input.PaymentID,
			Subtotal:  subtotal,
			Taxes:     taxes,
			Total:     subtotal.Add(taxes),
			IssueDate: now,
			DueDate:   input.DueDate,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		created.Items = make([]InvoiceItem, 0, len(items))
		for _, item := range items {
			item.InvoiceID = created.ID
			stored, err := tx.InsertItem(ctx, item)
			if err != nil {
				return err
			}
			created.Items = append(created.Items, stored)
		}
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}

	if s.metrics != nil {
		s.metrics.InvoiceIssued()
	}
	s.record(ctx, "invoice:create", created.ID, map[string]any{
		"number":     created.Number,
		"payment_id": created.PaymentID,
		"total":      created.Total.StringFixed(2),
	})
	evt := InvoiceIssuedEvent{
		InvoiceID: created.ID,
		Number:    created.Number,
		PaymentID: created.PaymentID,
		Total:     created.Total,
		ItemCount: len(created.Items),
		IssuedAt:  created.IssueDate,
	}
	for _, n := range s.notifiers {
		if err := n.InvoiceIssued(ctx, evt); err != nil {
			s.logger.Warn("invoice issued notification failed",
				slog.String("number", created.Number),
				slog.Any("error", err))
		}
	}
	s.logger.Info("invoice issued",
		slog.String("number", created.Number),
		slog.Int64("payment_id", created.PaymentID),
		slog.String("total", created.Total.StringFixed(2)))
	return created, nil
}

// UpdateInvoice edits header amounts and recomputes the total.
func (s *Service) UpdateInvoice(ctx context.Context, id int64, input UpdateInvoiceInput) (Invoice, error) {
	if err := nonNegative("subtotal", input.Subtotal); err != nil {
		return Invoice{}, err
	}
	if err := nonNegative("taxes", input.Taxes); err != nil {
		return Invoice{}, err
	}
	var updated Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if input.Subtotal != nil {
			current.Subtotal = money(*input.Subtotal)
		}
		if input.Taxes != nil {
			current.Taxes = money(*input.Taxes)
		}
		if input.DueDate != nil {
			current.DueDate = input.DueDate
		}
		current.Total = current.Subtotal.Add(current.Taxes)
		current.UpdatedAt = s.now()
		updated, err = tx.UpdateInvoice(ctx, current)
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "invoice:update", id, map[string]any{"total": updated.Total.StringFixed(2)})
	return updated, nil
}

// RemoveInvoice hard deletes the invoice and its items. The billed events
// become unbilled again.
func (s *Service) RemoveInvoice(ctx context.Context, id int64) error {
	var removed Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		removed, err = tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		return tx.DeleteInvoice(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "invoice:delete", id, map[string]any{"number": removed.Number})
	evt := InvoiceVoidedEvent{InvoiceID: removed.ID, Number: removed.Number, PaymentID: removed.PaymentID, VoidedAt: s.now()}
	for _, n := range s.notifiers {
		if err := n.InvoiceVoided(ctx, evt); err != nil {
			s.logger.Warn("invoice voided notification failed",
				slog.String("number", removed.Number),
				slog.Any("error", err))
		}
	}
	return nil
}

// GetInvoice returns an invoice with its items.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// FindByNumber returns the invoice carrying number.
func (s *Service) FindByNumber(ctx context.Context, number string) (Invoice, error) {
	if number == "" {
		return Invoice{}, shared.InvalidInput("invoice number is required")
	}
	return s.repo.FindByNumber(ctx, number)
}

// FindByPayment returns the invoice issued for paymentID.
func (s *Service) FindByPayment(ctx context.Context, paymentID int64) (Invoice, error) {
	return s.repo.FindByPayment(ctx, paymentID)
}

// ListInvoices lists invoices newest first.
func (s *Service) ListInvoices(ctx context.Context) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx)
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
}
