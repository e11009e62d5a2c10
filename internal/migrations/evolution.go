package migrations

import (
	"context"
	"database/sql"
)

// payloadTypeChanger retypes event_payload.payload from text to bytea for
// zipped payloads. Pre-existing text payloads belong to the old uncompressed
// format and are removed; affected events are regenerated on demand.
type payloadTypeChanger struct{}

func (payloadTypeChanger) Name() string { return "payloadTypeChanger" }

func (payloadTypeChanger) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	dataType, err := columnType(ctx, tx, "event_payload", "payload")
	if err != nil {
		return Outcome{}, err
	}

	if dataType == "bytea" {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx,
		`TRUNCATE TABLE event_payload`,
		`ALTER TABLE event_payload ALTER COLUMN payload TYPE bytea USING payload::bytea`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied("stale text payloads removed"), nil
}

// eventDeliveryEventTypeAdder extends event_delivery with project-scoped
// rows: deliveries keyed by (project_id, event_type_id) with no event id,
// used by project-level categories such as CLEAN_UP and MEMBER_SYNC.
type eventDeliveryEventTypeAdder struct{}

func (eventDeliveryEventTypeAdder) Name() string { return "eventDeliveryEventTypeAdder" }

func (eventDeliveryEventTypeAdder) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := columnExists(ctx, tx, "event_delivery", "event_type_id")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx,
		`ALTER TABLE event_delivery ADD COLUMN event_type_id varchar`,
		`ALTER TABLE event_delivery ALTER COLUMN event_id DROP NOT NULL`,
		`ALTER TABLE event_delivery DROP CONSTRAINT IF EXISTS event_delivery_pkey`,
		`CREATE UNIQUE INDEX idx_event_delivery_event
		 ON event_delivery (event_id, project_id) WHERE event_type_id IS NULL`,
		`CREATE UNIQUE INDEX idx_event_delivery_project_event_type
		 ON event_delivery (project_id, event_type_id) WHERE event_id IS NULL`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// cleanUpEventsQueueTableCreator adds the FIFO of projects awaiting hard
// clean-up.
type cleanUpEventsQueueTableCreator struct{}

func (cleanUpEventsQueueTableCreator) Name() string { return "cleanUpEventsQueueTableCreator" }

func (cleanUpEventsQueueTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "clean_up_events_queue")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx,
		`CREATE TABLE clean_up_events_queue (
			id           bigserial   PRIMARY KEY,
			date         timestamptz NOT NULL,
			project_path varchar     NOT NULL
		)`,
		`CREATE INDEX idx_clean_up_events_queue_date ON clean_up_events_queue (date ASC)`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// cleanUpEventsQueueProjectIDAdder keys the clean-up queue by project id.
// Rows whose path no longer resolves to a project are dropped: their
// projects are gone and there is nothing left to clean.
type cleanUpEventsQueueProjectIDAdder struct{}

func (cleanUpEventsQueueProjectIDAdder) Name() string { return "cleanUpEventsQueueProjectIdAdder" }

func (cleanUpEventsQueueProjectIDAdder) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := columnExists(ctx, tx, "clean_up_events_queue", "project_id")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx,
		`ALTER TABLE clean_up_events_queue ADD COLUMN project_id int8`,
		`UPDATE clean_up_events_queue q
		 SET project_id = p.project_id
		 FROM project p
		 WHERE p.project_path = q.project_path`,
		`DELETE FROM clean_up_events_queue WHERE project_id IS NULL`,
		`ALTER TABLE clean_up_events_queue ALTER COLUMN project_id SET NOT NULL`,
		`CREATE UNIQUE INDEX idx_clean_up_events_queue_project_id
		 ON clean_up_events_queue (project_id)`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied("unresolvable rows removed"), nil
}

// projectSlugRenamer renames project_path to project_slug fleet-wide and
// adds the slug lookup index the status endpoint depends on.
type projectSlugRenamer struct{}

func (projectSlugRenamer) Name() string { return "projectSlugRenamer" }

func (projectSlugRenamer) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := columnExists(ctx, tx, "project", "project_slug")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx,
		`ALTER TABLE project RENAME COLUMN project_path TO project_slug`,
		`ALTER TABLE clean_up_events_queue RENAME COLUMN project_path TO project_slug`,
		`CREATE INDEX IF NOT EXISTS idx_project_project_slug ON project (project_slug)`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// statusChangeEventsQueueTableCreator adds the durable queue for project
// scoped status change events fanned out by AllEventsToNew.
type statusChangeEventsQueueTableCreator struct{}

func (statusChangeEventsQueueTableCreator) Name() string { return "statusChangeEventsQueueTableCreator" }

func (statusChangeEventsQueueTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "status_change_events_queue")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx,
		`CREATE TABLE status_change_events_queue (
			id         bigserial   PRIMARY KEY,
			date       timestamptz NOT NULL,
			event_type varchar     NOT NULL,
			payload    text        NOT NULL
		)`,
		`CREATE INDEX idx_status_change_events_queue_date ON status_change_events_queue (date ASC)`,
	)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}
