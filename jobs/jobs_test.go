package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-clinic/backoffice/internal/billing"
	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/inventory/inventorytest"
	jobmetrics "github.com/odyssey-clinic/backoffice/internal/jobs"
	"github.com/odyssey-clinic/backoffice/internal/platform/cache"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func (f *fakeEnqueuer) mails(t *testing.T) []SendEmailPayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SendEmailPayload
	for _, task := range f.tasks {
		if task.Type() != TaskTypeSendEmail {
			continue
		}
		var p SendEmailPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &p))
		out = append(out, p)
	}
	return out
}

type fakeInventory struct {
	products []inventory.Product
	recs     map[int64]inventory.Reconciliation
}

func (f *fakeInventory) ListProducts(context.Context) ([]inventory.Product, error) {
	return f.products, nil
}

func (f *fakeInventory) ListLowStock(context.Context) ([]inventory.Product, error) {
	var out []inventory.Product
	for _, p := range f.products {
		if p.LowStock() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeInventory) Reconcile(_ context.Context, id int64) (inventory.Reconciliation, error) {
	return f.recs[id], nil
}

func TestReconcileJobReportsDrift(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	inv := &fakeInventory{
		products: []inventory.Product{{ID: 1, Code: "A"}, {ID: 2, Code: "B"}},
		recs: map[int64]inventory.Reconciliation{
			1: {ProductID: 1, Stock: 5, MovementDelta: 5, MovementCount: 1, LastStockAfter: 5},
			2: {ProductID: 2, Stock: 9, MovementDelta: 7, MovementCount: 2, LastStockAfter: 7},
		},
	}
	job := &ReconcileJob{Inventory: inv, Logger: quietLogger(), Metrics: metrics}

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifted, 1)
	require.EqualValues(t, 2, report.Drifted[0].ProductID)
}

func TestReconcileJobAgainstLedger(t *testing.T) {
	store := inventorytest.NewStore()
	product := store.Seed(inventory.Product{Code: "P", Name: "Paracetamol", Stock: 20})
	store.Seed(inventory.Product{Code: "Q", Name: "Ibuprofen"})
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{Logger: quietLogger()}, nil)
	_, err := svc.RecordMovement(context.Background(), inventory.MovementInput{ProductID: product.ID, Type: inventory.MovementExit, Quantity: 7})
	require.NoError(t, err)

	task, err := NewReconcileTask(time.Now())
	require.NoError(t, err)
	job := &ReconcileJob{Inventory: svc, Logger: quietLogger()}
	require.NoError(t, job.Handle(context.Background(), task))

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Empty(t, report.Drifted)
}

func TestLowStockScanDeduplicatesAlerts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	marker := cache.NewMarker(client, "lowstock:", time.Hour)

	enq := &fakeEnqueuer{}
	inv := &fakeInventory{products: []inventory.Product{
		{ID: 1, Code: "AMX", Name: "Amoxicillin", Stock: 2, MinStock: 5},
		{ID: 2, Code: "PCT", Name: "Paracetamol", Stock: 50, MinStock: 5},
	}}
	job := &LowStockScanJob{Inventory: inv, Marker: marker, Mail: NewClientWith(enq), AlertTo: "pharmacy@clinic.local", Logger: quietLogger()}

	alerted, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, alerted, 1)
	mails := enq.mails(t)
	require.Len(t, mails, 1)
	require.Equal(t, "pharmacy@clinic.local", mails[0].To)
	require.Contains(t, mails[0].Body, "AMX Amoxicillin: stock 2, minimum 5")

	alerted, err = job.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, alerted)
	require.Len(t, enq.mails(t), 1)

	mr.FastForward(2 * time.Hour)
	alerted, err = job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, alerted, 1)
	require.Len(t, enq.mails(t), 2)
}

func TestLowStockScanClearsMarksWhenMailFails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	marker := cache.NewMarker(client, "lowstock:", time.Hour)

	enq := &fakeEnqueuer{err: errors.New("redis down")}
	inv := &fakeInventory{products: []inventory.Product{{ID: 1, Code: "AMX", Name: "Amoxicillin", Stock: 0, MinStock: 1}}}
	job := &LowStockScanJob{Inventory: inv, Marker: marker, Mail: NewClientWith(enq), AlertTo: "pharmacy@clinic.local", Logger: quietLogger()}

	_, err := job.Run(context.Background())
	require.Error(t, err)
	require.False(t, mr.Exists("lowstock:1"))

	enq.err = nil
	alerted, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, alerted, 1)
}

type recordingPayments struct {
	calls map[int64]string
	err   error
}

func (r *recordingPayments) MarkInvoiced(_ context.Context, paymentID int64, number string) error {
	if r.err != nil {
		return r.err
	}
	r.calls[paymentID] = number
	return nil
}

func (r *recordingPayments) ClearInvoiced(_ context.Context, paymentID int64, number string) error {
	if r.err != nil {
		return r.err
	}
	if r.calls[paymentID] == number {
		delete(r.calls, paymentID)
	}
	return nil
}

func TestInvoiceIssuedFlow(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := NewClientWith(enq)

	err := client.InvoiceIssued(context.Background(), billing.InvoiceIssuedEvent{
		InvoiceID: 1, Number: "INV-000001", PaymentID: 100, Total: decimal.RequireFromString("1234.5"), ItemCount: 2,
	})
	require.NoError(t, err)
	require.Len(t, enq.tasks, 1)
	task := enq.tasks[0]
	require.Equal(t, TaskInvoiceIssued, task.Type())

	payments := &recordingPayments{calls: map[int64]string{}}
	job := &InvoiceIssuedJob{Payments: payments, Mail: client, NotifyTo: "billing@clinic.local", Logger: quietLogger()}
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, "INV-000001", payments.calls[100])

	mails := enq.mails(t)
	require.Len(t, mails, 1)
	require.Equal(t, "Invoice INV-000001 issued", mails[0].Subject)
	require.Contains(t, mails[0].Body, "Total: 1,234.50")
}

func TestInvoiceVoidedClearsPayment(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := NewClientWith(enq)
	payments := &recordingPayments{calls: map[int64]string{100: "INV-000001", 101: "INV-000003"}}
	job := &InvoiceVoidedJob{Payments: payments, Logger: quietLogger()}

	require.NoError(t, client.InvoiceVoided(context.Background(), billing.InvoiceVoidedEvent{InvoiceID: 1, Number: "INV-000001", PaymentID: 100}))
	// payment 101 was re-invoiced as INV-000003 before the void of INV-000002 ran
	require.NoError(t, client.InvoiceVoided(context.Background(), billing.InvoiceVoidedEvent{InvoiceID: 2, Number: "INV-000002", PaymentID: 101}))
	require.Len(t, enq.tasks, 2)

	for _, task := range enq.tasks {
		require.Equal(t, TaskInvoiceVoided, task.Type())
		require.NoError(t, job.Handle(context.Background(), task))
	}
	require.NotContains(t, payments.calls, int64(100))
	require.Equal(t, "INV-000003", payments.calls[101])

	err := job.Handle(context.Background(), asynq.NewTask(TaskInvoiceVoided, []byte(`{"number":""}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	failing := &InvoiceVoidedJob{Payments: &recordingPayments{err: errors.New("timeout")}, Logger: quietLogger()}
	err = failing.Handle(context.Background(), enq.tasks[0])
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestInvoiceIssuedRejectsBadPayload(t *testing.T) {
	job := &InvoiceIssuedJob{Payments: &recordingPayments{calls: map[int64]string{}}, Logger: quietLogger()}

	err := job.Handle(context.Background(), asynq.NewTask(TaskInvoiceIssued, []byte("not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskInvoiceIssued, []byte(`{"payment_id":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestInvoiceIssuedRetriesPaymentFailure(t *testing.T) {
	task, err := NewInvoiceIssuedTask(InvoiceIssuedPayload{Number: "INV-000002", PaymentID: 5, Total: "10.00"})
	require.NoError(t, err)
	job := &InvoiceIssuedJob{Payments: &recordingPayments{err: errors.New("timeout")}, Logger: quietLogger()}

	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestJobTrackerCountsRuns(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	job := &ReconcileJob{Inventory: &fakeInventory{}, Logger: quietLogger(), Metrics: metrics}

	_, err := job.Run(context.Background())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(registry, "clinic_jobs_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMailHandlerSkipsMalformedPayload(t *testing.T) {
	h := &MailHandler{From: "no-reply@clinic.local", Logger: quietLogger()}
	require.ErrorIs(t, h.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{"))), asynq.SkipRetry)

	task, err := NewSendEmailTask(SendEmailPayload{To: "a@b.c", Subject: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), task))
}
