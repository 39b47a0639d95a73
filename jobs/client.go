package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-clinic/backoffice/internal/billing"
)

// Enqueuer is the subset of asynq.Client the jobs client needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits jobs to the queue.
type Client struct {
	client Enqueuer
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return NewClientWith(asynq.NewClient(redisOpts))
}

// NewClientWith wraps an existing enqueuer.
func NewClientWith(enqueuer Enqueuer) *Client {
	return &Client{client: enqueuer}
}

// EnqueueSendEmail enqueues a send-email task.
func (c *Client) EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error) {
	task, err := NewSendEmailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueReconcile queues an immediate stock reconciliation.
func (c *Client) EnqueueReconcile(ctx context.Context) (*asynq.TaskInfo, error) {
	task, err := NewReconcileTask(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueLowStockScan queues an immediate low stock scan.
func (c *Client) EnqueueLowStockScan(ctx context.Context) (*asynq.TaskInfo, error) {
	task, err := NewLowStockScanTask(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// InvoiceIssued queues the payment hand-off for a committed invoice.
func (c *Client) InvoiceIssued(ctx context.Context, evt billing.InvoiceIssuedEvent) error {
	task, err := NewInvoiceIssuedTask(InvoiceIssuedPayload{
		InvoiceID: evt.InvoiceID,
		Number:    evt.Number,
		PaymentID: evt.PaymentID,
		Total:     evt.Total.StringFixed(2),
		ItemCount: evt.ItemCount,
	})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.TaskID(TaskInvoiceIssued+":"+evt.Number))
	return err
}

// InvoiceVoided queues the payment unlink for a removed invoice.
func (c *Client) InvoiceVoided(ctx context.Context, evt billing.InvoiceVoidedEvent) error {
	task, err := NewInvoiceVoidedTask(InvoiceVoidedPayload{
		InvoiceID: evt.InvoiceID,
		Number:    evt.Number,
		PaymentID: evt.PaymentID,
	})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.TaskID(TaskInvoiceVoided+":"+evt.Number))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

var _ billing.Notifier = (*Client)(nil)
