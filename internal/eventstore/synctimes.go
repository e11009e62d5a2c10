package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/triplestream/eventlog/internal/events"
)

// UpsertCategorySyncTime marks a producing category as synced for a project.
func (s *Store) UpsertCategorySyncTime(
	ctx context.Context,
	projectID int64,
	category events.Category,
	lastSynced time.Time,
) error {
	const query = `
		INSERT INTO subscription_category_sync_time (project_id, category_name, last_synced)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, category_name)
		DO UPDATE SET last_synced = EXCLUDED.last_synced`

	if _, err := s.conn.ExecContext(ctx, query, projectID, category, lastSynced); err != nil {
		return fmt.Errorf("%w: failed to upsert sync time %d/%s: %w",
			ErrEventStoreFailed, projectID, category, err)
	}

	return nil
}

// FindProjectCategorySyncTimes returns the per-category sync times recorded
// for a project. Categories that never synced have no row.
func (s *Store) FindProjectCategorySyncTimes(ctx context.Context, projectID int64) ([]events.CategorySyncTime, error) {
	const query = `
		SELECT category_name, last_synced
		FROM subscription_category_sync_time
		WHERE project_id = $1
		ORDER BY category_name`

	rows, err := s.conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query sync times for %d: %w", ErrEventStoreFailed, projectID, err)
	}
	defer func() { _ = rows.Close() }()

	var times []events.CategorySyncTime

	for rows.Next() {
		var t events.CategorySyncTime
		if err := rows.Scan(&t.Category, &t.LastSynced); err != nil {
			return nil, fmt.Errorf("%w: failed to scan sync time: %w", ErrEventStoreFailed, err)
		}

		times = append(times, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: sync time listing aborted: %w", ErrEventStoreFailed, err)
	}

	return times, nil
}
