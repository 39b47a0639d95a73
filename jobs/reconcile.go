package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	jobmetrics "github.com/odyssey-clinic/backoffice/internal/jobs"
)

// ReconcilePort is the slice of inventory.Service the reconcile job reads.
type ReconcilePort interface {
	ListProducts(ctx context.Context) ([]inventory.Product, error)
	Reconcile(ctx context.Context, productID int64) (inventory.Reconciliation, error)
}

// ReconcileReport summarises one reconciliation run.
type ReconcileReport struct {
	Checked int                        `json:"checked"`
	Drifted []inventory.Reconciliation `json:"drifted"`
}

// ReconcileJob compares each product's stock with its movement history. It
// never mutates data.
type ReconcileJob struct {
	Inventory ReconcilePort
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// Handle executes the reconciliation for a queued task.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx)
	return err
}

// Run checks every product and reports the ones that drifted.
func (j *ReconcileJob) Run(ctx context.Context) (report ReconcileReport, err error) {
	if j == nil || j.Inventory == nil {
		return ReconcileReport{}, errors.New("reconcile: job not configured")
	}
	tracker := j.Metrics.Track(TaskInventoryReconcile)
	defer func() {
		err = tracker.End(err)
	}()
	logger := loggerOr(j.Logger)

	products, err := j.Inventory.ListProducts(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report.Drifted = []inventory.Reconciliation{}
	for _, p := range products {
		rec, err := j.Inventory.Reconcile(ctx, p.ID)
		if err != nil {
			return report, err
		}
		report.Checked++
		if !rec.Consistent() {
			logger.Warn("stock drift detected",
				slog.Int64("product_id", p.ID),
				slog.String("code", p.Code),
				slog.Int64("stock", rec.Stock),
				slog.Int64("movement_delta", rec.MovementDelta),
				slog.Int64("last_stock_after", rec.LastStockAfter))
			report.Drifted = append(report.Drifted, rec)
		}
	}
	j.Metrics.SetDrift(len(report.Drifted))
	logger.Info("stock reconciliation completed",
		slog.Int("checked", report.Checked),
		slog.Int("drifted", len(report.Drifted)))
	return report, nil
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
