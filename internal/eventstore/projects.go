package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triplestream/eventlog/internal/events"
)

// UpsertProjectTx inserts or refreshes a project row. The slug and
// latest_event_date are taken from the incoming event only when its date is
// not older than what is stored: latest_event_date never moves backwards,
// and the slug always belongs to the latest event seen.
func (s *Store) UpsertProjectTx(ctx context.Context, tx *sql.Tx, project events.Project, eventDate time.Time) error {
	const query = `
		INSERT INTO project (project_id, project_slug, latest_event_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id)
		DO UPDATE SET project_slug = EXCLUDED.project_slug,
		              latest_event_date = EXCLUDED.latest_event_date
		WHERE EXCLUDED.latest_event_date >= project.latest_event_date`

	if _, err := tx.ExecContext(ctx, query, project.ID, project.Slug, eventDate); err != nil {
		return fmt.Errorf("%w: failed to upsert project %d: %w", ErrEventStoreFailed, project.ID, err)
	}

	return nil
}

// ListProjects returns every tracked project. Used by AllEventsToNew to fan
// out per-project notifications.
func (s *Store) ListProjects(ctx context.Context) ([]events.Project, error) {
	const query = `SELECT project_id, project_slug FROM project ORDER BY project_id`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list projects: %w", ErrEventStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var projects []events.Project

	for rows.Next() {
		var p events.Project
		if err := rows.Scan(&p.ID, &p.Slug); err != nil {
			return nil, fmt.Errorf("%w: failed to scan project: %w", ErrEventStoreFailed, err)
		}

		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: project listing aborted: %w", ErrEventStoreFailed, err)
	}

	return projects, nil
}

// FindProjectBySlug resolves a slug to a project. Returns ErrProjectNotFound
// when the slug is unknown.
func (s *Store) FindProjectBySlug(ctx context.Context, slug string) (events.Project, error) {
	const query = `SELECT project_id, project_slug FROM project WHERE project_slug = $1`

	var p events.Project

	err := s.conn.QueryRowContext(ctx, query, slug).Scan(&p.ID, &p.Slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return events.Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, slug)
		}

		return events.Project{}, fmt.Errorf("%w: failed to find project %s: %w", ErrEventStoreFailed, slug, err)
	}

	return p, nil
}

// RefreshLatestEventDateTx recomputes project.latest_event_date from the
// remaining events. A project left with no events is removed together with
// its category sync times (FK cascade).
func (s *Store) RefreshLatestEventDateTx(ctx context.Context, tx *sql.Tx, projectID int64) error {
	const update = `
		UPDATE project
		SET latest_event_date = latest.date
		FROM (SELECT max(event_date) AS date FROM event WHERE project_id = $1) latest
		WHERE project_id = $1 AND latest.date IS NOT NULL`

	result, err := tx.ExecContext(ctx, update, projectID)
	if err != nil {
		return fmt.Errorf("%w: failed to refresh latest_event_date for %d: %w", ErrEventStoreFailed, projectID, err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	if updated > 0 {
		return nil
	}

	// No events left: the project itself is done.
	const remove = `DELETE FROM project WHERE project_id = $1`
	if _, err := tx.ExecContext(ctx, remove, projectID); err != nil {
		return fmt.Errorf("%w: failed to remove empty project %d: %w", ErrEventStoreFailed, projectID, err)
	}

	return nil
}
