package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskInventoryReconcile verifies every product against its movement history.
	TaskInventoryReconcile = "inventory:reconcile"
	// TaskLowStockScan alerts on products at or below their minimum stock.
	TaskLowStockScan = "inventory:low_stock_scan"
	// TaskInvoiceIssued hands a committed invoice to the payment module.
	TaskInvoiceIssued = "billing:invoice_issued"
	// TaskInvoiceVoided unlinks a removed invoice from its payment.
	TaskInvoiceVoided = "billing:invoice_voided"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ScanPayload carries scheduling metadata for the periodic inventory jobs.
type ScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// InvoiceIssuedPayload mirrors billing.InvoiceIssuedEvent on the queue.
type InvoiceIssuedPayload struct {
	InvoiceID int64  `json:"invoice_id"`
	Number    string `json:"number"`
	PaymentID int64  `json:"payment_id"`
	Total     string `json:"total"`
	ItemCount int    `json:"item_count"`
}

// InvoiceVoidedPayload mirrors billing.InvoiceVoidedEvent on the queue.
type InvoiceVoidedPayload struct {
	InvoiceID int64  `json:"invoice_id"`
	Number    string `json:"number"`
	PaymentID int64  `json:"payment_id"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// NewReconcileTask constructs the stock reconciliation task.
func NewReconcileTask(at time.Time) (*asynq.Task, error) {
	return newScanTask(TaskInventoryReconcile, at)
}

// NewLowStockScanTask constructs the low stock scan task.
func NewLowStockScanTask(at time.Time) (*asynq.Task, error) {
	return newScanTask(TaskLowStockScan, at)
}

func newScanTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

// NewInvoiceIssuedTask constructs the invoice hand-off task. Retries are
// bounded because MarkInvoiced is idempotent per payment.
func NewInvoiceIssuedTask(payload InvoiceIssuedPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceIssued, body, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

// NewInvoiceVoidedTask constructs the payment unlink task.
func NewInvoiceVoidedTask(payload InvoiceVoidedPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceVoided, body, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

// MailHandler processes TaskTypeSendEmail tasks. Delivery is logged only.
type MailHandler struct {
	From   string
	Logger *slog.Logger
}

// Handle logs the outgoing mail.
func (h *MailHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("send email",
		slog.String("from", h.From),
		slog.String("to", payload.To),
		slog.String("subject", payload.Subject),
		slog.Int("body_bytes", len(payload.Body)))
	return nil
}
