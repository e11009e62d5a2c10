// Package zombies reclaims in-flight events whose processing will never
// finish. An event becomes a zombie when the subscriber holding it vanished
// without reporting back, or when its delivery row is gone while the status
// still says a worker owns it. The cleaner returns such events to the status
// a finder dispatches from.
package zombies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/statuschange"
)

const (
	defaultInterval = time.Minute
	defaultGrace    = 5 * time.Minute
)

type (
	// StatusUpdater is the slice of the status changer the cleaner resets
	// zombies through.
	StatusUpdater interface {
		Update(ctx context.Context, event statuschange.StatusChangeEvent) (statuschange.UpdateResults, error)
	}

	// Cleaner periodically sweeps for zombies. Resets run through the
	// status changer, so delivery rows and gauges follow the same paths a
	// regular rollback takes.
	Cleaner struct {
		store    *eventstore.Store
		changer  StatusUpdater
		interval time.Duration
		grace    time.Duration
		logger   *slog.Logger
	}

	// zombieEvent is one reclaimable processing event.
	zombieEvent struct {
		ID      string
		Project events.Project
		Status  events.Status
	}
)

// NewCleaner creates a Cleaner. Non-positive interval and grace fall back to
// one and five minutes. The grace keeps freshly dispatched events out of the
// sweep: an event is only suspect once its execution date is older than grace.
func NewCleaner(
	store *eventstore.Store,
	changer StatusUpdater,
	interval time.Duration,
	grace time.Duration,
	logger *slog.Logger,
) *Cleaner {
	if interval <= 0 {
		interval = defaultInterval
	}

	if grace <= 0 {
		grace = defaultGrace
	}

	return &Cleaner{
		store:    store,
		changer:  changer,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Run sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	c.logger.InfoContext(ctx, "zombie cleaner started",
		slog.Duration("interval", c.interval),
		slog.Duration("grace", c.grace),
	)

	for {
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "zombie cleaner stopped")

			return
		}

		if err := c.sweep(ctx); err != nil {
			c.logger.ErrorContext(ctx, "zombie sweep failed",
				slog.String("error", err.Error()),
			)
		}

		wait(ctx, c.interval)
	}
}

// sweep reclaims every zombie visible right now. A reset that races a late
// subscriber report loses against the transition guard and is skipped.
func (c *Cleaner) sweep(ctx context.Context) error {
	zombies, err := c.findProcessingZombies(ctx)
	if err != nil {
		return err
	}

	for _, zombie := range zombies {
		if err := c.resetEvent(ctx, zombie); err != nil {
			return err
		}
	}

	projects, err := c.findCleanUpZombies(ctx)
	if err != nil {
		return err
	}

	for _, project := range projects {
		if err := c.resetCleanUp(ctx, project); err != nil {
			return err
		}
	}

	return nil
}

// findProcessingZombies lists generating and transforming events past the
// grace whose delivery no longer joins a live subscriber, including events
// with no delivery row at all.
func (c *Cleaner) findProcessingZombies(ctx context.Context) ([]zombieEvent, error) {
	const query = `
		SELECT e.event_id, e.project_id, p.project_slug, e.status
		FROM event e
		JOIN project p ON p.project_id = e.project_id
		WHERE e.status IN ('GENERATING_TRIPLES', 'TRANSFORMING_TRIPLES')
		  AND e.execution_date <= now() - ($1 * interval '1 millisecond')
		  AND NOT EXISTS (
			SELECT 1 FROM event_delivery d
			JOIN subscriber s ON s.delivery_id = d.delivery_id
			WHERE d.event_id = e.event_id AND d.project_id = e.project_id
		  )
		ORDER BY e.execution_date ASC`

	var zombies []zombieEvent

	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, c.grace.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to find processing zombies: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var z zombieEvent
			if err := rows.Scan(&z.ID, &z.Project.ID, &z.Project.Slug, &z.Status); err != nil {
				return fmt.Errorf("failed to scan processing zombie: %w", err)
			}

			zombies = append(zombies, z)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("processing zombie listing aborted: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return zombies, nil
}

// findCleanUpZombies lists projects with DELETING events past the grace whose
// clean-up delivery is missing or held by a vanished subscriber.
func (c *Cleaner) findCleanUpZombies(ctx context.Context) ([]events.Project, error) {
	const query = `
		SELECT DISTINCT e.project_id, p.project_slug
		FROM event e
		JOIN project p ON p.project_id = e.project_id
		WHERE e.status = 'DELETING'
		  AND e.execution_date <= now() - ($1 * interval '1 millisecond')
		  AND NOT EXISTS (
			SELECT 1 FROM event_delivery d
			JOIN subscriber s ON s.delivery_id = d.delivery_id
			WHERE d.project_id = e.project_id
			  AND d.event_type_id = $2
			  AND d.event_id IS NULL
		  )`

	var projects []events.Project

	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query,
			c.grace.Milliseconds(), string(events.CategoryCleanUp))
		if err != nil {
			return fmt.Errorf("failed to find clean-up zombies: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var project events.Project
			if err := rows.Scan(&project.ID, &project.Slug); err != nil {
				return fmt.Errorf("failed to scan clean-up zombie: %w", err)
			}

			projects = append(projects, project)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("clean-up zombie listing aborted: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return projects, nil
}

// resetEvent returns one processing zombie to the status it was claimed from
// and drops its stale delivery row.
func (c *Cleaner) resetEvent(ctx context.Context, zombie zombieEvent) error {
	var (
		change statuschange.StatusChangeEvent
		target events.Status
	)

	switch zombie.Status {
	case events.StatusGeneratingTriples:
		change = statuschange.RollbackToNew{EventID: zombie.ID, Project: zombie.Project}
		target = events.StatusNew
	case events.StatusTransformingTriples:
		change = statuschange.RollbackToTriplesGenerated{EventID: zombie.ID, Project: zombie.Project}
		target = events.StatusTriplesGenerated
	default:
		return nil
	}

	if skipped, err := c.apply(ctx, change); err != nil || skipped {
		return err
	}

	c.logger.WarnContext(ctx, "zombie event reset",
		slog.String("event", zombie.ID),
		slog.String("project", zombie.Project.Slug),
		slog.String("from", string(zombie.Status)),
		slog.String("to", string(target)),
	)

	return nil
}

// resetCleanUp returns a project's DELETING events to AWAITING_DELETION and
// drops the stale clean-up delivery. The project stays queued, so the next
// clean-up round picks it up again.
func (c *Cleaner) resetCleanUp(ctx context.Context, project events.Project) error {
	change := statuschange.RollbackToAwaitingDeletion{Project: project}

	if skipped, err := c.apply(ctx, change); err != nil || skipped {
		return err
	}

	c.logger.WarnContext(ctx, "zombie clean-up reset",
		slog.String("project", project.Slug),
		slog.String("from", string(events.StatusDeleting)),
		slog.String("to", string(events.StatusAwaitingDeletion)),
	)

	return nil
}

// apply runs the rollback. A failing transition guard means the event moved
// on between the find and the reset; that zombie is skipped, not an error.
func (c *Cleaner) apply(ctx context.Context, change statuschange.StatusChangeEvent) (bool, error) {
	_, err := c.changer.Update(ctx, change)
	if err == nil {
		return false, nil
	}

	if errors.Is(err, statuschange.ErrInvalidTransition) || errors.Is(err, statuschange.ErrEventNotFound) {
		return true, nil
	}

	return false, err
}

// wait sleeps for d unless the context ends first.
func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
