package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// PaymentUnmarker removes an invoice number from its payment.
type PaymentUnmarker interface {
	ClearInvoiced(ctx context.Context, paymentID int64, invoiceNumber string) error
}

// InvoiceVoidedJob unlinks a removed invoice from the payment module so the
// payment can be invoiced again.
type InvoiceVoidedJob struct {
	Payments PaymentUnmarker
	Logger   *slog.Logger
}

// Handle processes TaskInvoiceVoided tasks.
func (j *InvoiceVoidedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Payments == nil {
		return errors.New("invoice voided: job not configured")
	}
	var payload InvoiceVoidedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.PaymentID <= 0 || payload.Number == "" {
		return fmt.Errorf("invoice voided: incomplete payload: %w", asynq.SkipRetry)
	}
	if err := j.Payments.ClearInvoiced(ctx, payload.PaymentID, payload.Number); err != nil {
		return fmt.Errorf("invoice voided: clear payment %d: %w", payload.PaymentID, err)
	}
	loggerOr(j.Logger).Info("payment invoice cleared",
		slog.String("number", payload.Number),
		slog.Int64("payment_id", payload.PaymentID))
	return nil
}
