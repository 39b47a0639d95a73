package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/jobs"
)

// ExitDrift is returned when at least one product drifted.
const ExitDrift = 10

// ReconcileRunner checks the whole catalogue or one product.
type ReconcileRunner interface {
	Run(ctx context.Context) (jobs.ReconcileReport, error)
	Reconcile(ctx context.Context, productID int64) (inventory.Reconciliation, error)
}

// ReconcileOptions defines the flags of the reconcile command.
type ReconcileOptions struct {
	ProductID  int64
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileCommand prints the reconciliation report and returns the exit code.
func ReconcileCommand(ctx context.Context, runner ReconcileRunner, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	var report jobs.ReconcileReport
	if opts.ProductID > 0 {
		rec, err := runner.Reconcile(ctx, opts.ProductID)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
			return 1
		}
		report.Checked = 1
		report.Drifted = []inventory.Reconciliation{}
		if !rec.Consistent() {
			report.Drifted = append(report.Drifted, rec)
		}
	} else {
		var err error
		report, err = runner.Run(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
			return 1
		}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(report); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderReconcileHuman(opts.Stdout, report)
	}
	if len(report.Drifted) > 0 {
		return ExitDrift
	}
	return 0
}

func renderReconcileHuman(out io.Writer, report jobs.ReconcileReport) {
	_, _ = fmt.Fprintf(out, "Checked %d product(s).\n", report.Checked)
	if len(report.Drifted) == 0 {
		_, _ = fmt.Fprintln(out, "Stock matches the movement history.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d product(s) drifted:\n", len(report.Drifted))
	for _, rec := range report.Drifted {
		_, _ = fmt.Fprintf(out, " - product %d: stock %d, movement sum %d, last snapshot %d (%d movements)\n",
			rec.ProductID, rec.Stock, rec.MovementDelta, rec.LastStockAfter, rec.MovementCount)
	}
}
