package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-clinic/backoffice/internal/app"
	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/platform/db"
	"github.com/odyssey-clinic/backoffice/jobs"
)

type stubRunner struct {
	report jobs.ReconcileReport
	recs   map[int64]inventory.Reconciliation
	err    error
}

func (s stubRunner) Run(context.Context) (jobs.ReconcileReport, error) {
	return s.report, s.err
}

func (s stubRunner) Reconcile(_ context.Context, id int64) (inventory.Reconciliation, error) {
	rec, ok := s.recs[id]
	if !ok {
		return inventory.Reconciliation{}, errors.New("product not found")
	}
	return rec, nil
}

func TestReconcileCommandJSONClean(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := ReconcileCommand(context.Background(), stubRunner{report: jobs.ReconcileReport{Checked: 3, Drifted: []inventory.Reconciliation{}}},
		ReconcileOptions{JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Zero(t, code)
	require.Empty(t, stderr.String())

	var report jobs.ReconcileReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Equal(t, 3, report.Checked)
	require.Empty(t, report.Drifted)
}

func TestReconcileCommandReportsDrift(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	runner := stubRunner{recs: map[int64]inventory.Reconciliation{
		4: {ProductID: 4, Stock: 9, MovementDelta: 7, MovementCount: 2, LastStockAfter: 7},
	}}
	code := ReconcileCommand(context.Background(), runner, ReconcileOptions{ProductID: 4, Stdout: stdout, Stderr: stderr})
	require.Equal(t, ExitDrift, code)
	require.Contains(t, stdout.String(), "product 4: stock 9, movement sum 7")

	code = ReconcileCommand(context.Background(), runner, ReconcileOptions{ProductID: 5, Stdout: stdout, Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "product not found")
}

type stubMigrator struct {
	applied  int
	statuses []db.MigrationStatus
	err      error
}

func (s stubMigrator) Up(context.Context) (int, error) { return s.applied, s.err }

func (s stubMigrator) Status(context.Context) ([]db.MigrationStatus, error) {
	return s.statuses, s.err
}

func TestMigrateCommands(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	require.Zero(t, MigrateUpCommand(context.Background(), stubMigrator{applied: 3}, stdout, stderr))
	require.Contains(t, stdout.String(), "Applied 3 migration(s).")

	stdout.Reset()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Zero(t, MigrateStatusCommand(context.Background(), stubMigrator{statuses: []db.MigrationStatus{
		{Version: 1, Name: "stock_ledger", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "deliveries"},
	}}, stdout, stderr))
	require.Contains(t, stdout.String(), "001 stock_ledger")
	require.Contains(t, stdout.String(), "applied 2026-01-02T03:04:05Z")
	require.Contains(t, stdout.String(), "002 deliveries")
	require.Contains(t, stdout.String(), "pending")

	require.Equal(t, 1, MigrateUpCommand(context.Background(), stubMigrator{err: errors.New("locked")}, stdout, stderr))
	require.Contains(t, stderr.String(), "migrate up: locked")
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeInspector struct{}

func (fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: queue, Pending: 2, Retry: 1}, nil
}

func (fakeInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func (fakeInspector) Close() error { return nil }

func TestJobsCLITrigger(t *testing.T) {
	enq := &fakeEnqueuer{}
	c := &JobsCLI{client: enq, inspector: fakeInspector{}}

	info, err := c.Trigger(context.Background(), jobs.TaskInventoryReconcile)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskInventoryReconcile, info.Type)

	_, err = c.Trigger(context.Background(), jobs.TaskLowStockScan)
	require.NoError(t, err)
	require.Len(t, enq.tasks, 2)

	_, err = c.Trigger(context.Background(), "billing:unknown")
	require.Error(t, err)

	stats, err := c.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, QueueStats{Queue: jobs.QueueDefault, Pending: 2, Retry: 1}, stats)
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand(Env{LoadConfig: func() (*app.Config, error) { return nil, errors.New("no config") }})
	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "status"},
		{"reconcile"},
		{"jobs", "trigger"},
		{"jobs", "stats"},
		{"idempotency", "cleanup"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}

	root.SetArgs([]string{"reconcile"})
	root.SetOut(new(bytes.Buffer))
	err := root.Execute()
	require.ErrorContains(t, err, "no config")
}
