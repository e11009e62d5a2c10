package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/triplestream/eventlog/internal/events"
)

// UpsertPayloadTx writes the zipped payload for an event, replacing any
// previous one. Transformation dispatch requires this row to exist.
func (s *Store) UpsertPayloadTx(ctx context.Context, tx *sql.Tx, id events.CompoundID, payload events.Payload) error {
	const query = `
		INSERT INTO event_payload (event_id, project_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, project_id)
		DO UPDATE SET payload = EXCLUDED.payload`

	if _, err := tx.ExecContext(ctx, query, id.EventID, id.ProjectID, []byte(payload)); err != nil {
		return fmt.Errorf("%w: failed to upsert payload for %s: %w", ErrEventStoreFailed, id, err)
	}

	return nil
}

// UpsertProcessingTimeTx records how long the event took to reach status.
// Stored as milliseconds; a later measurement for the same status replaces
// the earlier one.
func (s *Store) UpsertProcessingTimeTx(
	ctx context.Context,
	tx *sql.Tx,
	id events.CompoundID,
	status events.Status,
	processingTime time.Duration,
) error {
	const query = `
		INSERT INTO status_processing_time (event_id, project_id, status, processing_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, project_id, status)
		DO UPDATE SET processing_time = EXCLUDED.processing_time`

	_, err := tx.ExecContext(ctx, query, id.EventID, id.ProjectID, status, processingTime.Milliseconds())
	if err != nil {
		return fmt.Errorf("%w: failed to upsert processing time for %s: %w", ErrEventStoreFailed, id, err)
	}

	return nil
}
