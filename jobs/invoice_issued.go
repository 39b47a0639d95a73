package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// PaymentMarker records the invoice number on the payment.
type PaymentMarker interface {
	MarkInvoiced(ctx context.Context, paymentID int64, invoiceNumber string) error
}

// InvoiceIssuedJob hands a committed invoice to the payment module and
// queues a notification mail for the billing desk.
type InvoiceIssuedJob struct {
	Payments PaymentMarker
	Mail     MailEnqueuer
	NotifyTo string
	Language language.Tag
	Logger   *slog.Logger
}

// Handle processes TaskInvoiceIssued tasks.
func (j *InvoiceIssuedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Payments == nil {
		return errors.New("invoice issued: job not configured")
	}
	var payload InvoiceIssuedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.PaymentID <= 0 || payload.Number == "" {
		return fmt.Errorf("invoice issued: incomplete payload: %w", asynq.SkipRetry)
	}
	if err := j.Payments.MarkInvoiced(ctx, payload.PaymentID, payload.Number); err != nil {
		return fmt.Errorf("invoice issued: mark payment %d: %w", payload.PaymentID, err)
	}
	logger := loggerOr(j.Logger).With(slog.String("number", payload.Number), slog.Int64("payment_id", payload.PaymentID))
	logger.Info("payment marked invoiced")

	if j.Mail == nil || j.NotifyTo == "" {
		return nil
	}
	subject, body, err := j.render(payload)
	if err != nil {
		logger.Warn("invoice mail skipped", slog.Any("error", err))
		return nil
	}
	if _, err := j.Mail.EnqueueSendEmail(ctx, SendEmailPayload{To: j.NotifyTo, Subject: subject, Body: body}); err != nil {
		return fmt.Errorf("invoice issued: enqueue mail: %w", err)
	}
	return nil
}

func (j *InvoiceIssuedJob) render(payload InvoiceIssuedPayload) (string, string, error) {
	total, err := decimal.NewFromString(payload.Total)
	if err != nil {
		return "", "", fmt.Errorf("parse total %q: %w", payload.Total, err)
	}
	tag := j.Language
	if tag == language.Und {
		tag = language.English
	}
	p := message.NewPrinter(tag)
	subject := p.Sprintf("Invoice %s issued", payload.Number)
	body := p.Sprintf("Invoice %s for payment %d was issued with %d item(s).\nTotal: %.2f\n",
		payload.Number, payload.PaymentID, payload.ItemCount, total.InexactFloat64())
	return subject, body, nil
}
