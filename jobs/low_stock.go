package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	jobmetrics "github.com/odyssey-clinic/backoffice/internal/jobs"
)

// LowStockPort lists products at or below their minimum stock.
type LowStockPort interface {
	ListLowStock(ctx context.Context) ([]inventory.Product, error)
}

// AlertMarker de-duplicates alerts. Mark returns false when the id was
// already marked within its window.
type AlertMarker interface {
	Mark(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, id string) error
}

// MailEnqueuer queues outgoing mail.
type MailEnqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error)
}

// LowStockScanJob mails one alert listing newly low products.
type LowStockScanJob struct {
	Inventory LowStockPort
	Marker    AlertMarker
	Mail      MailEnqueuer
	AlertTo   string
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle executes the scan for a queued task.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx)
	return err
}

// Run returns the products included in the alert.
func (j *LowStockScanJob) Run(ctx context.Context) (alerted []inventory.Product, err error) {
	if j == nil || j.Inventory == nil || j.Mail == nil {
		return nil, errors.New("low stock scan: job not configured")
	}
	tracker := j.Metrics.Track(TaskLowStockScan)
	defer func() {
		err = tracker.End(err)
	}()

	products, err := j.Inventory.ListLowStock(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		if j.Marker != nil {
			fresh, err := j.Marker.Mark(ctx, strconv.FormatInt(p.ID, 10))
			if err != nil {
				return nil, err
			}
			if !fresh {
				continue
			}
		}
		alerted = append(alerted, p)
	}
	if len(alerted) == 0 || j.AlertTo == "" {
		return alerted, nil
	}

	var body strings.Builder
	for _, p := range alerted {
		fmt.Fprintf(&body, "%s %s: stock %d, minimum %d\n", p.Code, p.Name, p.Stock, p.MinStock)
	}
	if _, err := j.Mail.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      j.AlertTo,
		Subject: fmt.Sprintf("Low stock: %d product(s)", len(alerted)),
		Body:    body.String(),
	}); err != nil {
		j.unmark(ctx, alerted)
		return nil, err
	}
	j.Metrics.AddLowStockAlerts(len(alerted))
	loggerOr(j.Logger).Info("low stock alert enqueued", slog.Int("products", len(alerted)))
	return alerted, nil
}

// unmark lets the next scan retry an alert whose mail never got queued.
func (j *LowStockScanJob) unmark(ctx context.Context, products []inventory.Product) {
	if j.Marker == nil {
		return
	}
	for _, p := range products {
		if err := j.Marker.Clear(ctx, strconv.FormatInt(p.ID, 10)); err != nil {
			loggerOr(j.Logger).Warn("clear low stock mark", slog.Int64("product_id", p.ID), slog.Any("error", err))
		}
	}
}
