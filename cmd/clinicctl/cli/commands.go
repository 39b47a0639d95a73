package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/odyssey-clinic/backoffice/internal/app"
	"github.com/odyssey-clinic/backoffice/internal/inventory"
	"github.com/odyssey-clinic/backoffice/internal/platform/db"
	"github.com/odyssey-clinic/backoffice/internal/shared"
	"github.com/odyssey-clinic/backoffice/jobs"
)

// ExitError carries a non-zero process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

// Env resolves the runtime dependencies lazily so that --help never dials.
type Env struct {
	LoadConfig func() (*app.Config, error)
}

func (e Env) open(ctx context.Context) (*app.Config, *slog.Logger, *pgxpool.Pool, error) {
	cfg, err := e.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: 4, ConnectAttempts: 3}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, pool, nil
}

// NewRootCommand builds the clinicctl command tree.
func NewRootCommand(env Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "clinicctl",
		Short:         "Operational tooling for the clinic back office",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(env), reconcileCmd(env), jobsCmd(env), idempotencyCmd(env))
	return root
}

func migrateCmd(env Env) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the database schema"}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, pool, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			return exitCode(MigrateUpCommand(cmd.Context(), db.NewMigrator(pool), cmd.OutOrStdout(), cmd.ErrOrStderr()))
		},
	}, &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, pool, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			return exitCode(MigrateStatusCommand(cmd.Context(), db.NewMigrator(pool), cmd.OutOrStdout(), cmd.ErrOrStderr()))
		},
	})
	return cmd
}

type jobRunner struct {
	job *jobs.ReconcileJob
}

func (r jobRunner) Run(ctx context.Context) (jobs.ReconcileReport, error) {
	return r.job.Run(ctx)
}

func (r jobRunner) Reconcile(ctx context.Context, productID int64) (inventory.Reconciliation, error) {
	return r.job.Inventory.Reconcile(ctx, productID)
}

func reconcileCmd(env Env) *cobra.Command {
	var opts ReconcileOptions
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare product stock with the movement history",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, pool, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			services := app.NewServices(pool, app.ServiceDeps{Logger: logger})
			opts.Stdout, opts.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			runner := jobRunner{job: &jobs.ReconcileJob{Inventory: services.Inventory, Logger: logger}}
			return exitCode(ReconcileCommand(cmd.Context(), runner, opts))
		},
	}
	cmd.Flags().Int64Var(&opts.ProductID, "product", 0, "reconcile a single product id")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "print the report as JSON")
	return cmd
}

func jobsCmd(env Env) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect and trigger background jobs"}
	withJobs := func(fn func(cmd *cobra.Command, c *JobsCLI) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := env.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c := NewJobsCLI(cfg.RedisAddr)
			defer c.Close()
			return fn(cmd, c)
		}
	}
	trigger := &cobra.Command{
		Use:       "trigger <job>",
		Short:     "Enqueue a job now (" + strings.Join(TriggerableJobs, ", ") + ")",
		Args:      cobra.ExactArgs(1),
		ValidArgs: TriggerableJobs,
	}
	trigger.RunE = func(cmd *cobra.Command, args []string) error {
		return withJobs(func(cmd *cobra.Command, c *JobsCLI) error {
			info, err := c.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		})(cmd, args)
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		RunE: withJobs(func(cmd *cobra.Command, c *JobsCLI) error {
			s, err := c.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(s)
		}),
	}
	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		RunE: withJobs(func(cmd *cobra.Command, c *JobsCLI) error {
			tasks, err := c.ListScheduled(cmd.Context(), size)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format(time.RFC3339))
			}
			return nil
		}),
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")
	cmd.AddCommand(trigger, stats, scheduled)
	return cmd
}

func idempotencyCmd(env Env) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{Use: "idempotency", Short: "Maintain idempotency keys"}
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete idempotency keys older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("idempotency cleanup: --older-than must be positive")
			}
			_, _, pool, err := env.open(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			removed, err := shared.NewIdempotencyStore(pool).Cleanup(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d key(s)\n", removed)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum key age")
	cmd.AddCommand(cleanup)
	return cmd
}
