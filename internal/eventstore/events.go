package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triplestream/eventlog/internal/events"
)

type (
	// EventInfo is the read model served by GET /events.
	EventInfo struct {
		ID              string
		Status          events.Status
		Message         string
		ProcessingTimes []events.ProcessingTime
	}

	// StatusCounts maps project slug to per-status event counts.
	StatusCounts map[string]map[events.Status]int
)

// CreateEvent persists a creation event in one transaction:
//
//  1. Upserts the project row (slug + latest_event_date follow the latest event)
//  2. Inserts the event; an existing (event_id, project_id) makes the insert
//     a no-op so redeliveries from the forge bridge stay idempotent
//
// Returns:
//   - created=true when a new row was written
//   - created=false when the event already existed (not an error)
func (s *Store) CreateEvent(ctx context.Context, event events.CreationEvent) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	var created bool

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.UpsertProjectTx(ctx, tx, event.Project, event.Date); err != nil {
			return err
		}

		const query = `
			INSERT INTO event (event_id, project_id, status, created_date,
			                   execution_date, event_date, batch_date, event_body, message)
			VALUES ($1, $2, $3, now(), now(), $4, $5, $6, $7)
			ON CONFLICT (event_id, project_id) DO NOTHING`

		result, err := tx.ExecContext(ctx, query,
			event.ID, event.Project.ID, event.Status,
			event.Date, event.BatchDate,
			string(event.Body), nullableString(event.Message),
		)
		if err != nil {
			return fmt.Errorf("%w: failed to insert event %s: %w", ErrEventStoreFailed, event.ID, err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		created = rows == 1

		return nil
	})
	if err != nil {
		return false, err
	}

	if created {
		s.logger.InfoContext(ctx, "event created",
			slog.String("event_id", event.ID),
			slog.Int64("project_id", event.Project.ID),
			slog.String("status", string(event.Status)),
		)
	}

	return created, nil
}

// FindProjectEvents returns the project's events newest first, each with its
// recorded per-status processing times. An unknown slug yields an empty
// slice, not an error: callers serve it as an empty collection.
func (s *Store) FindProjectEvents(ctx context.Context, slug string) ([]EventInfo, error) {
	const query = `
		SELECT e.event_id, e.status, e.message, spt.status, spt.processing_time
		FROM event e
		JOIN project p ON p.project_id = e.project_id AND p.project_slug = $1
		LEFT JOIN status_processing_time spt
		  ON spt.event_id = e.event_id AND spt.project_id = e.project_id
		ORDER BY e.event_date DESC, e.event_id DESC, spt.status`

	rows, err := s.conn.QueryContext(ctx, query, slug)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query events for %s: %w", ErrEventStoreFailed, slug, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		infos   []EventInfo
		current *EventInfo
	)

	for rows.Next() {
		var (
			id         string
			status     events.Status
			message    sql.NullString
			timeStatus sql.NullString
			timeMs     sql.NullInt64
		)

		if err := rows.Scan(&id, &status, &message, &timeStatus, &timeMs); err != nil {
			return nil, fmt.Errorf("%w: failed to scan event row: %w", ErrEventStoreFailed, err)
		}

		if current == nil || current.ID != id {
			infos = append(infos, EventInfo{ID: id, Status: status, Message: message.String})
			current = &infos[len(infos)-1]
		}

		if timeStatus.Valid {
			current.ProcessingTimes = append(current.ProcessingTimes, events.ProcessingTime{
				Status:   events.Status(timeStatus.String),
				Duration: time.Duration(timeMs.Int64) * time.Millisecond,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: event listing aborted: %w", ErrEventStoreFailed, err)
	}

	return infos, nil
}

// eventColumns is the select list shared by the hydrating event reads.
const eventColumns = `
	e.event_id, e.project_id, p.project_slug, e.status, e.created_date,
	e.execution_date, e.event_date, e.batch_date, e.event_body, e.message`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (events.Event, error) {
	var (
		event   events.Event
		body    string
		message sql.NullString
	)

	err := row.Scan(&event.ID, &event.Project.ID, &event.Project.Slug, &event.Status,
		&event.CreatedDate, &event.ExecutionDate, &event.EventDate, &event.BatchDate,
		&body, &message)
	if err != nil {
		return events.Event{}, err
	}

	if body != "" {
		event.Body = json.RawMessage(body)
	}

	event.Message = message.String

	return event, nil
}

// FindEvent returns the fully hydrated event row for a compound id. Returns
// ErrEventNotFound when no row matches.
func (s *Store) FindEvent(ctx context.Context, id events.CompoundID) (events.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM event e
		JOIN project p ON p.project_id = e.project_id
		WHERE e.event_id = $1 AND e.project_id = $2`

	event, err := scanEvent(s.conn.QueryRowContext(ctx, query, id.EventID, id.ProjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return events.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}

	if err != nil {
		return events.Event{}, fmt.Errorf("%w: failed to find event %s: %w", ErrEventStoreFailed, id, err)
	}

	return event, nil
}

// FindEventsInStatus returns every event sitting in the given status, oldest
// event date first.
func (s *Store) FindEventsInStatus(ctx context.Context, status events.Status) ([]events.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM event e
		JOIN project p ON p.project_id = e.project_id
		WHERE e.status = $1
		ORDER BY e.event_date ASC, e.event_id ASC`

	rows, err := s.conn.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query %s events: %w", ErrEventStoreFailed, status, err)
	}
	defer func() { _ = rows.Close() }()

	var found []events.Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan %s event: %w", ErrEventStoreFailed, status, err)
		}

		found = append(found, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s event listing aborted: %w", ErrEventStoreFailed, status, err)
	}

	return found, nil
}

// CountsByStatus returns per-project per-status event counts, the source of
// truth the status gauges are synced from.
func (s *Store) CountsByStatus(ctx context.Context) (StatusCounts, error) {
	const query = `
		SELECT p.project_slug, e.status, count(e.event_id)
		FROM event e
		JOIN project p ON p.project_id = e.project_id
		GROUP BY p.project_slug, e.status`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count events: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(StatusCounts)

	for rows.Next() {
		var (
			slug   string
			status events.Status
			count  int
		)

		if err := rows.Scan(&slug, &status, &count); err != nil {
			return nil, fmt.Errorf("%w: failed to scan count row: %w", ErrEventStoreFailed, err)
		}

		if counts[slug] == nil {
			counts[slug] = make(map[events.Status]int)
		}

		counts[slug][status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: count aborted: %w", ErrEventStoreFailed, err)
	}

	return counts, nil
}

// CountsForProjectTx recounts one project's events by status inside the
// transaction that changed them, so gauge updates see the committed state.
func (s *Store) CountsForProjectTx(ctx context.Context, tx *sql.Tx, projectID int64) (map[events.Status]int, error) {
	const query = `
		SELECT status, count(event_id)
		FROM event
		WHERE project_id = $1
		GROUP BY status`

	rows, err := tx.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count events of project %d: %w", ErrEventStoreFailed, projectID, err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[events.Status]int)

	for rows.Next() {
		var (
			status events.Status
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("%w: failed to scan count row: %w", ErrEventStoreFailed, err)
		}

		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: count aborted: %w", ErrEventStoreFailed, err)
	}

	return counts, nil
}

// MarkProjectEventsForDeletionTx moves every event of the project to
// AWAITING_DELETION. Events already awaiting deletion keep their place in
// line and DELETING events stay with the worker holding them.
func (s *Store) MarkProjectEventsForDeletionTx(ctx context.Context, tx *sql.Tx, projectID int64) (int, error) {
	const query = `
		UPDATE event
		SET status = $1, execution_date = now(), message = NULL
		WHERE project_id = $2 AND status NOT IN ($1, $3)`

	result, err := tx.ExecContext(ctx, query, events.StatusAwaitingDeletion, projectID, events.StatusDeleting)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to mark project %d for deletion: %w", ErrEventStoreFailed, projectID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return int(rows), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
