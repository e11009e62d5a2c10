package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
)

const defaultSyncInterval = time.Hour

// MemberSyncFinder feeds the MEMBER_SYNC category: projects whose member
// sync happened more than syncInterval ago, or never, are sent out as
// project scoped pings. The sync time moves forward only once a subscriber
// accepted the ping.
type MemberSyncFinder struct {
	store        *eventstore.Store
	syncInterval time.Duration
	logger       *slog.Logger
}

// NewMemberSyncFinder creates the finder feeding MEMBER_SYNC. A non-positive
// syncInterval falls back to one hour.
func NewMemberSyncFinder(store *eventstore.Store, syncInterval time.Duration, logger *slog.Logger) *MemberSyncFinder {
	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}

	return &MemberSyncFinder{
		store:        store,
		syncInterval: syncInterval,
		logger:       logger,
	}
}

// PopEvent implements EventFinder.
func (f *MemberSyncFinder) PopEvent(ctx context.Context, deliveryID string) (*SendableEvent, error) {
	var claim *SendableEvent

	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		project, err := f.staleProject(ctx, tx)
		if err != nil || project == nil {
			return err
		}

		inserted, err := f.store.InsertProjectDeliveryTx(
			ctx, tx, project.ID, string(events.CategoryMemberSync), deliveryID)
		if err != nil {
			return err
		}

		if !inserted {
			return nil
		}

		claim = &SendableEvent{
			Category: events.CategoryMemberSync,
			Project:  *project,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s finder failed: %w", events.CategoryMemberSync, err)
	}

	if claim == nil {
		return nil, nil
	}

	f.logger.DebugContext(ctx, "member sync claimed",
		slog.String("project", claim.Project.Slug),
	)

	return claim, nil
}

// staleProject locks the project whose member sync is most overdue. Projects
// never synced come first. Returns (nil, nil) when every project is fresh.
func (f *MemberSyncFinder) staleProject(ctx context.Context, tx *sql.Tx) (*events.Project, error) {
	const query = `
		SELECT p.project_id, p.project_slug
		FROM project p
		LEFT JOIN subscription_category_sync_time s
		  ON s.project_id = p.project_id AND s.category_name = $1
		WHERE (s.last_synced IS NULL OR s.last_synced <= now() - ($2 * interval '1 millisecond'))
		  AND NOT EXISTS (
			SELECT 1 FROM event_delivery d
			WHERE d.project_id = p.project_id
			  AND d.event_type_id = $1
			  AND d.event_id IS NULL
		  )
		ORDER BY s.last_synced ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE OF p SKIP LOCKED`

	var project events.Project

	err := tx.QueryRowContext(ctx, query,
		string(events.CategoryMemberSync), f.syncInterval.Milliseconds(),
	).Scan(&project.ID, &project.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to select stale project: %w", err)
	}

	return &project, nil
}

// delivered stamps the sync time and releases the delivery row.
func (f *MemberSyncFinder) delivered(ctx context.Context, event *SendableEvent) error {
	if err := f.store.UpsertCategorySyncTime(ctx, event.Project.ID, events.CategoryMemberSync, time.Now()); err != nil {
		return err
	}

	return f.releaseDelivery(ctx, event.Project.ID)
}

// misdelivered releases the delivery row so the project is offered again.
func (f *MemberSyncFinder) misdelivered(ctx context.Context, event *SendableEvent) error {
	return f.releaseDelivery(ctx, event.Project.ID)
}

func (f *MemberSyncFinder) releaseDelivery(ctx context.Context, projectID int64) error {
	return f.store.WithTx(ctx, func(tx *sql.Tx) error {
		return f.store.DeleteProjectDeliveryTx(ctx, tx, projectID, string(events.CategoryMemberSync))
	})
}
