package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/statuschange"
)

// CleanUpFinder feeds the CLEAN_UP category from the clean-up queue. A claim
// moves the oldest queued project's AWAITING_DELETION events to DELETING and
// holds a project scoped delivery row; the queue slot itself is released
// only once a subscriber accepted the clean-up, so an undelivered project
// stays queued.
type CleanUpFinder struct {
	store   *eventstore.Store
	changer StatusUpdater
	gauges  StatusGauges
	logger  *slog.Logger
}

// NewCleanUpFinder creates the finder feeding CLEAN_UP.
func NewCleanUpFinder(
	store *eventstore.Store,
	changer StatusUpdater,
	gauges StatusGauges,
	logger *slog.Logger,
) *CleanUpFinder {
	return &CleanUpFinder{
		store:   store,
		changer: changer,
		gauges:  gauges,
		logger:  logger,
	}
}

// PopEvent implements EventFinder.
func (f *CleanUpFinder) PopEvent(ctx context.Context, deliveryID string) (*SendableEvent, error) {
	var (
		claim *SendableEvent
		moved int64
	)

	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		project, err := f.store.OldestCleanUpProjectTx(ctx, tx)
		if err != nil {
			return err
		}

		if project == nil {
			return nil
		}

		inserted, err := f.store.InsertProjectDeliveryTx(
			ctx, tx, project.ID, string(events.CategoryCleanUp), deliveryID)
		if err != nil {
			return err
		}

		if !inserted {
			// Another dispatcher slipped in; nothing to clean this round.
			return nil
		}

		const mark = `
			UPDATE event
			SET status = 'DELETING', execution_date = now()
			WHERE project_id = $1 AND status = 'AWAITING_DELETION'`

		result, err := tx.ExecContext(ctx, mark, project.ID)
		if err != nil {
			return fmt.Errorf("failed to mark project %d events deleting: %w", project.ID, err)
		}

		if moved, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to mark project %d events deleting: %w", project.ID, err)
		}

		claim = &SendableEvent{
			Category: events.CategoryCleanUp,
			Project:  *project,
			Source:   events.StatusAwaitingDeletion,
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s finder failed: %w", events.CategoryCleanUp, err)
	}

	if claim == nil {
		return nil, nil
	}

	f.gauges.Change(claim.Project.Slug, events.StatusAwaitingDeletion, events.StatusDeleting, int(moved))

	f.logger.DebugContext(ctx, "clean-up claimed",
		slog.String("project", claim.Project.Slug),
		slog.Int64("events", moved),
	)

	return claim, nil
}

// delivered releases the queue slot: the subscriber holds the clean-up now
// and reports back through the events endpoint when it is done.
func (f *CleanUpFinder) delivered(ctx context.Context, event *SendableEvent) error {
	return f.store.RemoveFromCleanUpQueue(ctx, event.Project.ID)
}

// misdelivered returns the project's DELETING events to AWAITING_DELETION
// and drops the delivery row; the still-queued project is retried against
// another subscriber.
func (f *CleanUpFinder) misdelivered(ctx context.Context, event *SendableEvent) error {
	_, err := f.changer.Update(ctx, statuschange.RollbackToAwaitingDeletion{Project: event.Project})
	if err != nil && !errors.Is(err, statuschange.ErrInvalidTransition) &&
		!errors.Is(err, statuschange.ErrEventNotFound) {
		return err
	}

	return nil
}
