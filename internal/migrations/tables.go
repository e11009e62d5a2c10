package migrations

import (
	"context"
	"database/sql"
)

// eventPayloadTableCreator adds the side table for generated triples
// payloads. Payloads start as text; payloadTypeChanger retypes them later.
type eventPayloadTableCreator struct{}

func (eventPayloadTableCreator) Name() string { return "eventPayloadTableCreator" }

func (eventPayloadTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "event_payload")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx, `
		CREATE TABLE event_payload (
			event_id   varchar NOT NULL,
			project_id int8    NOT NULL,
			payload    text    NOT NULL,
			PRIMARY KEY (event_id, project_id)
		)`)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// statusProcessingTimeTableCreator adds per-status processing durations,
// stored as milliseconds.
type statusProcessingTimeTableCreator struct{}

func (statusProcessingTimeTableCreator) Name() string { return "statusProcessingTimeTableCreator" }

func (statusProcessingTimeTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "status_processing_time")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx, `
		CREATE TABLE status_processing_time (
			event_id        varchar NOT NULL,
			project_id      int8    NOT NULL,
			status          varchar NOT NULL,
			processing_time int8    NOT NULL,
			PRIMARY KEY (event_id, project_id, status)
		)`)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// subscriberTableCreator persists the subscriber registry so pools survive
// restarts. Identity is (delivery_url, source_url): the same worker may
// subscribe to several event log instances.
type subscriberTableCreator struct{}

func (subscriberTableCreator) Name() string { return "subscriberTableCreator" }

func (subscriberTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "subscriber")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx, `
		CREATE TABLE subscriber (
			delivery_id  varchar NOT NULL,
			delivery_url varchar NOT NULL,
			source_url   varchar NOT NULL,
			PRIMARY KEY (delivery_url, source_url)
		)`)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// subscriberCapacityAdder lets subscribers declare how many events they can
// process in parallel. Nullable: old subscribers never declared one.
type subscriberCapacityAdder struct{}

func (subscriberCapacityAdder) Name() string { return "subscriberCapacityAdder" }

func (subscriberCapacityAdder) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := columnExists(ctx, tx, "subscriber", "capacity")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	if err := execAll(ctx, tx, `ALTER TABLE subscriber ADD COLUMN capacity int4`); err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// eventDeliveryTableCreator records which subscriber holds an in-flight
// event. The primary key makes double dispatch a constraint violation.
type eventDeliveryTableCreator struct{}

func (eventDeliveryTableCreator) Name() string { return "eventDeliveryTableCreator" }

func (eventDeliveryTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "event_delivery")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx, `
		CREATE TABLE event_delivery (
			event_id    varchar NOT NULL,
			project_id  int8    NOT NULL,
			delivery_id varchar NOT NULL,
			PRIMARY KEY (event_id, project_id)
		)`)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}

// categorySyncTimeTableCreator tracks when a producing category last synced a
// project. Rows vanish with their project via the cascade.
type categorySyncTimeTableCreator struct{}

func (categorySyncTimeTableCreator) Name() string { return "categorySyncTimeTableCreator" }

func (categorySyncTimeTableCreator) Run(ctx context.Context, tx *sql.Tx) (Outcome, error) {
	exists, err := tableExists(ctx, tx, "subscription_category_sync_time")
	if err != nil {
		return Outcome{}, err
	}

	if exists {
		return alreadyPresent(), nil
	}

	err = execAll(ctx, tx, `
		CREATE TABLE subscription_category_sync_time (
			project_id    int8        NOT NULL,
			category_name varchar     NOT NULL,
			last_synced   timestamptz NOT NULL,
			PRIMARY KEY (project_id, category_name),
			FOREIGN KEY (project_id) REFERENCES project (project_id) ON DELETE CASCADE
		)`)
	if err != nil {
		return Outcome{}, err
	}

	return applied(""), nil
}
