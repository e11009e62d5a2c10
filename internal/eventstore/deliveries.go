package eventstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/triplestream/eventlog/internal/events"
)

// InsertEventDeliveryTx records which subscriber holds an in-flight event.
// The partial unique index makes a second delivery of the same event a
// conflict; the method reports it as inserted=false so finders can move on
// to another candidate instead of double-dispatching.
func (s *Store) InsertEventDeliveryTx(
	ctx context.Context,
	tx *sql.Tx,
	id events.CompoundID,
	deliveryID string,
) (bool, error) {
	const query = `
		INSERT INTO event_delivery (event_id, project_id, delivery_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`

	result, err := tx.ExecContext(ctx, query, id.EventID, id.ProjectID, deliveryID)
	if err != nil {
		return false, fmt.Errorf("%w: failed to insert delivery for %s: %w", ErrEventStoreFailed, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return rows == 1, nil
}

// DeleteEventDeliveryTx releases an in-flight marker, typically because the
// event reached a settled status or is being rolled back.
func (s *Store) DeleteEventDeliveryTx(ctx context.Context, tx *sql.Tx, id events.CompoundID) error {
	const query = `
		DELETE FROM event_delivery
		WHERE event_id = $1 AND project_id = $2 AND event_type_id IS NULL`

	if _, err := tx.ExecContext(ctx, query, id.EventID, id.ProjectID); err != nil {
		return fmt.Errorf("%w: failed to delete delivery for %s: %w", ErrEventStoreFailed, id, err)
	}

	return nil
}

// InsertProjectDeliveryTx records a project-scoped delivery, used by
// categories that dispatch per project (CLEAN_UP, MEMBER_SYNC) rather than
// per event.
func (s *Store) InsertProjectDeliveryTx(
	ctx context.Context,
	tx *sql.Tx,
	projectID int64,
	eventTypeID string,
	deliveryID string,
) (bool, error) {
	const query = `
		INSERT INTO event_delivery (project_id, event_type_id, delivery_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`

	result, err := tx.ExecContext(ctx, query, projectID, eventTypeID, deliveryID)
	if err != nil {
		return false, fmt.Errorf("%w: failed to insert project delivery %d/%s: %w",
			ErrEventStoreFailed, projectID, eventTypeID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return rows == 1, nil
}

// DeleteProjectDeliveryTx releases a project-scoped delivery.
func (s *Store) DeleteProjectDeliveryTx(ctx context.Context, tx *sql.Tx, projectID int64, eventTypeID string) error {
	const query = `
		DELETE FROM event_delivery
		WHERE project_id = $1 AND event_type_id = $2 AND event_id IS NULL`

	if _, err := tx.ExecContext(ctx, query, projectID, eventTypeID); err != nil {
		return fmt.Errorf("%w: failed to delete project delivery %d/%s: %w",
			ErrEventStoreFailed, projectID, eventTypeID, err)
	}

	return nil
}
