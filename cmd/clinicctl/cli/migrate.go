package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/odyssey-clinic/backoffice/internal/platform/db"
)

// SchemaMigrator applies and reports embedded migrations.
type SchemaMigrator interface {
	Up(ctx context.Context) (int, error)
	Status(ctx context.Context) ([]db.MigrationStatus, error)
}

// MigrateUpCommand applies pending migrations.
func MigrateUpCommand(ctx context.Context, m SchemaMigrator, stdout, stderr io.Writer) int {
	stdout, stderr = defaultWriters(stdout, stderr)
	applied, err := m.Up(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate up: %v\n", err)
		return 1
	}
	if applied == 0 {
		_, _ = fmt.Fprintln(stdout, "Schema is up to date.")
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Applied %d migration(s).\n", applied)
	return 0
}

// MigrateStatusCommand lists every migration with its state.
func MigrateStatusCommand(ctx context.Context, m SchemaMigrator, stdout, stderr io.Writer) int {
	stdout, stderr = defaultWriters(stdout, stderr)
	statuses, err := m.Status(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate status: %v\n", err)
		return 1
	}
	for _, s := range statuses {
		state := "pending"
		if s.Applied && s.AppliedAt != nil {
			state = "applied " + s.AppliedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(stdout, "%03d %-24s %s\n", s.Version, s.Name, state)
	}
	return 0
}

func defaultWriters(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
