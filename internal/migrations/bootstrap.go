package migrations

import (
	"context"
	"database/sql"
)

// Ordered returns the full migration list. The order is fixed at compile
// time; new migrations are appended, never inserted.
func Ordered() []Migration {
	return []Migration{
		eventLogTableCreator{},
		eventTableRenamer{},
		projectTableCreator{},
		eventPayloadTableCreator{},
		statusProcessingTimeTableCreator{},
		subscriberTableCreator{},
		subscriberCapacityAdder{},
		eventDeliveryTableCreator{},
		categorySyncTimeTableCreator{},
		payloadTypeChanger{},
		eventDeliveryEventTypeAdder{},
		cleanUpEventsQueueTableCreator{},
		cleanUpEventsQueueProjectIDAdder{},
		projectSlugRenamer{},
		statusChangeEventsQueueTableCreator{},
	}
}

// eventLogTableCreator bootstraps the legacy single-table layout. Databases
// born after the table split never get an event_log table, so the step skips
// itself once the event table exists.
type eventLogTableCreator struct{}

func (eventLogTableCreator) Name() string { return "eventLogTableCreator" }

func (eventLogTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	eventExists, err := tableExists(ctx, tx, "event")
	if err != nil {
		return Outcome{}, err
	}

	if eventExists {
		return skipped("event table exists"), nil
	}

	legacyExists, err := tableExists(ctx, tx, "event_log")
	if err != nil {
		return Outcome{}, err
	}

	if legacyExists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx, `
		CREATE TABLE event_log (
			event_id       varchar     NOT NULL,
			project_id     int8        NOT NULL,
			project_path   varchar     NOT NULL,
			status         varchar     NOT NULL,
			created_date   timestamptz NOT NULL,
			execution_date timestamptz NOT NULL,
			event_date     timestamptz NOT NULL,
			batch_date     timestamptz NOT NULL,
			event_body     text        NOT NULL,
			message        varchar,
			PRIMARY KEY (event_id, project_id)
		)`)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// eventTableRenamer renames event_log to event. When both tables exist a
// previous run was interrupted between rename and drop; the old table is
// dropped, never merged.
type eventTableRenamer struct{}

func (eventTableRenamer) Name() string { return "eventTableRenamer" }

func (eventTableRenamer) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	eventExists, err := tableExists(ctx, tx, "event")
	if err != nil {
		return Outcome{}, err
	}

	legacyExists, err := tableExists(ctx, tx, "event_log")
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case eventExists && legacyExists:
		if err := execAll(ctx, tx, `DROP TABLE event_log`); err != nil {
			return Outcome{}, err
		}

		return applied("stale event_log table dropped"), nil
	case eventExists:
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx,
		`ALTER TABLE event_log RENAME TO event`,
		`CREATE INDEX IF NOT EXISTS idx_event_project_id ON event (project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_event_status ON event (status)`,
		`CREATE INDEX IF NOT EXISTS idx_event_execution_date ON event (execution_date DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_event_event_date ON event (event_date DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_event_batch_date ON event (batch_date DESC)`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// projectTableCreator splits project identity out of the event rows: creates
// the project table, backfills one row per project carrying the path of its
// latest event, then drops the now redundant event.project_path column.
type projectTableCreator struct{}

func (projectTableCreator) Name() string { return "projectTableCreator" }

func (projectTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "project")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	if err := execAll(ctx, tx, `
		CREATE TABLE project (
			project_id        int8        NOT NULL PRIMARY KEY,
			project_path      varchar     NOT NULL,
			latest_event_date timestamptz NOT NULL
		)`); err != nil {
		return Outcome{}, err
	}

	hasPathColumn, err := columnExists(ctx, tx, "event", "project_path")
	if err != nil {
		return Outcome{}, err
	}

	if !hasPathColumn {
		return applied("no legacy rows to backfill"), nil
	}

	err = execAll(ctx, tx,
		`INSERT INTO project (project_id, project_path, latest_event_date)
		 SELECT DISTINCT ON (project_id) project_id, project_path, event_date
		 FROM event
		 ORDER BY project_id, event_date DESC`,
		`ALTER TABLE event DROP COLUMN project_path`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied("projects backfilled from events"), nil
}
