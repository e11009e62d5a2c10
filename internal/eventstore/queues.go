package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triplestream/eventlog/internal/events"
)

// QueuedStatusChange is a row of status_change_events_queue: a project
// scoped status change event waiting to be applied asynchronously.
type QueuedStatusChange struct {
	ID        int64
	Date      time.Time
	EventType string
	Payload   []byte
}

// OfferToCleanUpQueueTx enqueues a project for clean-up. Each project holds
// at most one slot; re-offering an already queued project is a no-op and
// reports offered=false.
func (s *Store) OfferToCleanUpQueueTx(ctx context.Context, tx *sql.Tx, project events.Project) (bool, error) {
	const query = `
		INSERT INTO clean_up_events_queue (date, project_id, project_slug)
		VALUES (now(), $1, $2)
		ON CONFLICT (project_id) DO NOTHING`

	result, err := tx.ExecContext(ctx, query, project.ID, project.Slug)
	if err != nil {
		return false, fmt.Errorf("%w: failed to offer project %d to clean-up queue: %w",
			ErrEventStoreFailed, project.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return rows == 1, nil
}

// OldestCleanUpProjectTx returns the longest-waiting clean-up queue entry
// without removing it, locking the row so concurrent finders pick different
// projects. Projects whose clean-up is already in flight (a project scoped
// delivery row exists) are passed over. Returns (nil, nil) when the queue is
// empty.
func (s *Store) OldestCleanUpProjectTx(ctx context.Context, tx *sql.Tx) (*events.Project, error) {
	const query = `
		SELECT q.project_id, q.project_slug
		FROM clean_up_events_queue q
		WHERE NOT EXISTS (
			SELECT 1 FROM event_delivery d
			WHERE d.project_id = q.project_id
			  AND d.event_type_id = $1
			  AND d.event_id IS NULL
		)
		ORDER BY q.date ASC
		LIMIT 1
		FOR UPDATE OF q SKIP LOCKED`

	var p events.Project

	err := tx.QueryRowContext(ctx, query, string(events.CategoryCleanUp)).Scan(&p.ID, &p.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: failed to pop clean-up queue: %w", ErrEventStoreFailed, err)
	}

	return &p, nil
}

// RemoveFromCleanUpQueueTx drops a project's queue slot, either because the
// clean-up was delivered or because the project went back to processing.
func (s *Store) RemoveFromCleanUpQueueTx(ctx context.Context, tx *sql.Tx, projectID int64) error {
	const query = `DELETE FROM clean_up_events_queue WHERE project_id = $1`

	if _, err := tx.ExecContext(ctx, query, projectID); err != nil {
		return fmt.Errorf("%w: failed to remove project %d from clean-up queue: %w",
			ErrEventStoreFailed, projectID, err)
	}

	return nil
}

// RemoveFromCleanUpQueue is RemoveFromCleanUpQueueTx outside a transaction.
func (s *Store) RemoveFromCleanUpQueue(ctx context.Context, projectID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.RemoveFromCleanUpQueueTx(ctx, tx, projectID)
	})
}

// OfferStatusChangeTx appends a serialized status change event to the
// durable queue. The queue preserves arrival order via the serial id.
func (s *Store) OfferStatusChangeTx(ctx context.Context, tx *sql.Tx, eventType string, payload []byte) error {
	const query = `
		INSERT INTO status_change_events_queue (date, event_type, payload)
		VALUES (now(), $1, $2)`

	if _, err := tx.ExecContext(ctx, query, eventType, string(payload)); err != nil {
		return fmt.Errorf("%w: failed to offer %s to status change queue: %w",
			ErrEventStoreFailed, eventType, err)
	}

	return nil
}

// FetchOldestStatusChange returns the oldest queued status change event, or
// (nil, nil) when the queue is empty. The row stays queued until
// RemoveStatusChange confirms it was applied.
func (s *Store) FetchOldestStatusChange(ctx context.Context) (*QueuedStatusChange, error) {
	const query = `
		SELECT id, date, event_type, payload
		FROM status_change_events_queue
		ORDER BY id ASC
		LIMIT 1`

	var (
		queued  QueuedStatusChange
		payload string
	)

	err := s.conn.QueryRowContext(ctx, query).Scan(&queued.ID, &queued.Date, &queued.EventType, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: failed to fetch status change queue head: %w", ErrEventStoreFailed, err)
	}

	queued.Payload = []byte(payload)

	return &queued, nil
}

// RemoveStatusChange deletes an applied queue row.
func (s *Store) RemoveStatusChange(ctx context.Context, id int64) error {
	const query = `DELETE FROM status_change_events_queue WHERE id = $1`

	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: failed to remove status change row %d: %w", ErrEventStoreFailed, id, err)
	}

	return nil
}
