// Package migrations evolves the event log schema in place.
//
// Unlike file-based migration tools there is no version bookkeeping table:
// every migration inspects the current schema state and applies only what is
// missing. The full ordered list therefore runs at every service start, and
// the service refuses to serve until the list has completed.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type (
	// Migration is a single idempotent schema evolution step. Run executes
	// inside a transaction owned by the Runner.
	Migration interface {
		// Name identifies the migration in log output.
		Name() string

		// Run applies the migration and reports what it did.
		Run(ctx context.Context, tx *sql.Tx) (Outcome, error)
	}

	// Runner executes the ordered migration list, one transaction per step.
	Runner struct {
		db     *sql.DB
		logger *slog.Logger
	}

	// Outcome describes the effect a migration had on the schema.
	Outcome struct {
		Result Result
		Detail string
	}

	// Result enumerates the per-step outcomes for the log line.
	Result string
)

// Migration outcomes.
const (
	Applied        Result = "applied"
	AlreadyPresent Result = "already present"
	Skipped        Result = "skipped"
)

// NewRunner creates a Runner over an open database handle.
func NewRunner(db *sql.DB, logger *slog.Logger) *Runner {
	return &Runner{db: db, logger: logger}
}

// Run executes every migration in order. The first failure aborts the run;
// completed steps stay committed, which is safe because each step is
// idempotent and the list is append-only.
func (r *Runner) Run(ctx context.Context) error {
	for _, m := range Ordered() {
		outcome, err := r.runOne(ctx, m)
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name(), err)
		}

		attrs := []any{
			slog.String("migration", m.Name()),
			slog.String("outcome", string(outcome.Result)),
		}
		if outcome.Detail != "" {
			attrs = append(attrs, slog.String("detail", outcome.Detail))
		}

		r.logger.InfoContext(ctx, "schema migration finished", attrs...)
	}

	return nil
}

func (r *Runner) runOne(ctx context.Context, m Migration) (Outcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	outcome, err := m.Run(ctx, tx)
	if err != nil {
		return Outcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("failed to commit: %w", err)
	}

	return outcome, nil
}

func applied(detail string) Outcome {
	return Outcome{Result: Applied, Detail: detail}
}

func alreadyPresent() Outcome {
	return Outcome{Result: AlreadyPresent}
}

func skipped(detail string) Outcome {
	return Outcome{Result: Skipped, Detail: detail}
}
