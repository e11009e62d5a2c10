package statuschange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/triplestream/eventlog/internal/events"
)

// sweepableStatuses are the statuses of ancestor events that become
// obsolete once a later event of the project reaches the triple store.
var sweepableStatuses = []string{
	string(events.StatusNew),
	string(events.StatusGeneratingTriples),
	string(events.StatusTriplesGenerated),
	string(events.StatusTransformingTriples),
	string(events.StatusGenerationRecoverableFailure),
	string(events.StatusTransformationRecoverableFailure),
}

func (e ToTriplesGenerated) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	const query = `
		UPDATE event
		SET status = 'TRIPLES_GENERATED', execution_date = now(), message = NULL
		WHERE event_id = $1 AND project_id = $2 AND status = 'GENERATING_TRIPLES'`

	updated, err := execAffected(ctx, tx, query, e.EventID, e.Project.ID)
	if err != nil {
		return UpdateResults{}, err
	}

	if updated == 0 {
		return UpdateResults{}, c.guardError(ctx, tx, e.EventID, e.Project.ID, e.EventType())
	}

	id := events.CompoundID{EventID: e.EventID, ProjectID: e.Project.ID}

	if err := c.store.UpsertPayloadTx(ctx, tx, id, e.Payload); err != nil {
		return UpdateResults{}, err
	}

	if err := c.store.UpsertProcessingTimeTx(ctx, tx, id, events.StatusTriplesGenerated, e.ProcessingTime); err != nil {
		return UpdateResults{}, err
	}

	if err := c.store.DeleteEventDeliveryTx(ctx, tx, id); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e ToTriplesGenerated) rollback(ctx context.Context, c *StatusChanger) error {
	_, err := c.Update(ctx, RollbackToNew{EventID: e.EventID, Project: e.Project})

	return err
}

func (e ToTriplesStore) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	const query = `
		UPDATE event
		SET status = 'TRIPLES_STORE', execution_date = now(), message = NULL
		WHERE event_id = $1 AND project_id = $2 AND status = 'TRANSFORMING_TRIPLES'`

	updated, err := execAffected(ctx, tx, query, e.EventID, e.Project.ID)
	if err != nil {
		return UpdateResults{}, err
	}

	if updated == 0 {
		return UpdateResults{}, c.guardError(ctx, tx, e.EventID, e.Project.ID, e.EventType())
	}

	id := events.CompoundID{EventID: e.EventID, ProjectID: e.Project.ID}

	if err := c.store.UpsertProcessingTimeTx(ctx, tx, id, events.StatusTriplesStore, e.ProcessingTime); err != nil {
		return UpdateResults{}, err
	}

	if err := e.sweepAncestors(ctx, tx); err != nil {
		return UpdateResults{}, err
	}

	if err := c.store.DeleteEventDeliveryTx(ctx, tx, id); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

// sweepAncestors marks the project's unfinished earlier events TRIPLES_STORE
// and drops their payloads and deliveries: the store now holds a newer state
// of the project, so their output would be discarded anyway.
func (e ToTriplesStore) sweepAncestors(ctx context.Context, tx *sql.Tx) error {
	const sweep = `
		UPDATE event e
		SET status = 'TRIPLES_STORE', execution_date = now(), message = NULL
		FROM (SELECT event_date FROM event WHERE event_id = $1 AND project_id = $2) cur
		WHERE e.project_id = $2
		  AND e.event_id <> $1
		  AND e.event_date < cur.event_date
		  AND e.status = ANY($3)`

	if _, err := tx.ExecContext(ctx, sweep, e.EventID, e.Project.ID, pq.Array(sweepableStatuses)); err != nil {
		return fmt.Errorf("failed to sweep ancestors of %s: %w", e.EventID, err)
	}

	const dropPayloads = `
		DELETE FROM event_payload ep
		USING (SELECT event_date FROM event WHERE event_id = $1 AND project_id = $2) cur, event e
		WHERE ep.project_id = $2
		  AND ep.event_id = e.event_id
		  AND e.project_id = $2
		  AND e.event_id <> $1
		  AND e.event_date < cur.event_date`

	if _, err := tx.ExecContext(ctx, dropPayloads, e.EventID, e.Project.ID); err != nil {
		return fmt.Errorf("failed to drop ancestor payloads of %s: %w", e.EventID, err)
	}

	const dropDeliveries = `
		DELETE FROM event_delivery ed
		USING (SELECT event_date FROM event WHERE event_id = $1 AND project_id = $2) cur, event e
		WHERE ed.project_id = $2
		  AND ed.event_id = e.event_id
		  AND e.project_id = $2
		  AND e.event_id <> $1
		  AND e.event_date < cur.event_date`

	if _, err := tx.ExecContext(ctx, dropDeliveries, e.EventID, e.Project.ID); err != nil {
		return fmt.Errorf("failed to drop ancestor deliveries of %s: %w", e.EventID, err)
	}

	return nil
}

func (e ToTriplesStore) rollback(ctx context.Context, c *StatusChanger) error {
	_, err := c.Update(ctx, RollbackToTriplesGenerated{EventID: e.EventID, Project: e.Project})

	return err
}

func (e ToFailure) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	source, err := failureSource(e.NewStatus)
	if err != nil {
		return UpdateResults{}, err
	}

	var updated int64

	if e.NewStatus.IsRecoverableFailure() {
		delay := c.retryInterval
		if e.ExecutionDelay != nil {
			delay = *e.ExecutionDelay
		}

		const query = `
			UPDATE event
			SET status = $3, message = $4,
			    execution_date = now() + ($5 * interval '1 millisecond')
			WHERE event_id = $1 AND project_id = $2 AND status = $6`

		updated, err = execAffected(ctx, tx, query,
			e.EventID, e.Project.ID, e.NewStatus, e.Message, delay.Milliseconds(), source)
	} else {
		const query = `
			UPDATE event
			SET status = $3, message = $4
			WHERE event_id = $1 AND project_id = $2 AND status = $5`

		updated, err = execAffected(ctx, tx, query,
			e.EventID, e.Project.ID, e.NewStatus, e.Message, source)
	}

	if err != nil {
		return UpdateResults{}, err
	}

	if updated == 0 {
		return UpdateResults{}, c.guardError(ctx, tx, e.EventID, e.Project.ID, e.EventType())
	}

	id := events.CompoundID{EventID: e.EventID, ProjectID: e.Project.ID}

	// A transformation given up on has no further use for its payload; the
	// recoverable case keeps it for the retry.
	if e.NewStatus == events.StatusTransformationNonRecoverableFailure {
		const query = `DELETE FROM event_payload WHERE event_id = $1 AND project_id = $2`
		if _, err := tx.ExecContext(ctx, query, e.EventID, e.Project.ID); err != nil {
			return UpdateResults{}, fmt.Errorf("failed to drop payload of %s: %w", e.EventID, err)
		}
	}

	if err := c.store.DeleteEventDeliveryTx(ctx, tx, id); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e RollbackToNew) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	const query = `
		UPDATE event
		SET status = 'NEW', execution_date = now(), message = NULL
		WHERE event_id = $1 AND project_id = $2 AND status = 'GENERATING_TRIPLES'`

	updated, err := execAffected(ctx, tx, query, e.EventID, e.Project.ID)
	if err != nil {
		return UpdateResults{}, err
	}

	if updated == 0 {
		return UpdateResults{}, c.guardError(ctx, tx, e.EventID, e.Project.ID, e.EventType())
	}

	id := events.CompoundID{EventID: e.EventID, ProjectID: e.Project.ID}
	if err := c.store.DeleteEventDeliveryTx(ctx, tx, id); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e RollbackToTriplesGenerated) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	const query = `
		UPDATE event
		SET status = 'TRIPLES_GENERATED', execution_date = now(), message = NULL
		WHERE event_id = $1 AND project_id = $2 AND status = 'TRANSFORMING_TRIPLES'`

	updated, err := execAffected(ctx, tx, query, e.EventID, e.Project.ID)
	if err != nil {
		return UpdateResults{}, err
	}

	if updated == 0 {
		return UpdateResults{}, c.guardError(ctx, tx, e.EventID, e.Project.ID, e.EventType())
	}

	id := events.CompoundID{EventID: e.EventID, ProjectID: e.Project.ID}
	if err := c.store.DeleteEventDeliveryTx(ctx, tx, id); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e ToAwaitingDeletion) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	const query = `
		UPDATE event
		SET status = 'AWAITING_DELETION', execution_date = now()
		WHERE event_id = $1 AND project_id = $2`

	updated, err := execAffected(ctx, tx, query, e.EventID, e.Project.ID)
	if err != nil {
		return UpdateResults{}, err
	}

	if updated == 0 {
		return UpdateResults{}, fmt.Errorf("%w: %s/%d", ErrEventNotFound, e.EventID, e.Project.ID)
	}

	id := events.CompoundID{EventID: e.EventID, ProjectID: e.Project.ID}
	if err := c.store.DeleteEventDeliveryTx(ctx, tx, id); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e RollbackToAwaitingDeletion) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	const query = `
		UPDATE event
		SET status = 'AWAITING_DELETION', execution_date = now()
		WHERE project_id = $1 AND status = 'DELETING'`

	// 0 rows is fine: the clean-up round may have removed everything
	// before failing.
	if _, err := execAffected(ctx, tx, query, e.Project.ID); err != nil {
		return UpdateResults{}, err
	}

	if err := c.store.DeleteProjectDeliveryTx(ctx, tx, e.Project.ID, string(events.CategoryCleanUp)); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e RedoProjectTransformation) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	const query = `
		UPDATE event e
		SET status = 'TRIPLES_GENERATED', execution_date = now(), message = NULL
		FROM (
			SELECT event_id
			FROM event
			WHERE project_id = $1 AND status = 'TRIPLES_STORE'
			ORDER BY event_date DESC, event_id DESC
			LIMIT 1
		) latest
		WHERE e.project_id = $1
		  AND e.event_id = latest.event_id
		  AND EXISTS (
			SELECT 1 FROM event_payload ep
			WHERE ep.event_id = e.event_id AND ep.project_id = e.project_id
		  )`

	// No TRIPLES_STORE event, or one without a stored payload, leaves
	// nothing to redo; that is a no-op, not an error.
	if _, err := execAffected(ctx, tx, query, e.Project.ID); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e ProjectEventsToNew) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	steps := []struct {
		name  string
		query string
	}{
		{"drop deletion events", `
			DELETE FROM event
			WHERE project_id = $1 AND status IN ('AWAITING_DELETION', 'DELETING')`},
		{"reset events", `
			UPDATE event
			SET status = 'NEW', execution_date = now(), message = NULL
			WHERE project_id = $1`},
		{"drop payloads", `DELETE FROM event_payload WHERE project_id = $1`},
		{"drop processing times", `DELETE FROM status_processing_time WHERE project_id = $1`},
		{"drop deliveries", `DELETE FROM event_delivery WHERE project_id = $1`},
		{"drop clean-up queue row", `DELETE FROM clean_up_events_queue WHERE project_id = $1`},
	}

	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, e.Project.ID); err != nil {
			return UpdateResults{}, fmt.Errorf("failed to %s of project %d: %w", step.name, e.Project.ID, err)
		}
	}

	if err := c.store.RefreshLatestEventDateTx(ctx, tx, e.Project.ID); err != nil {
		return UpdateResults{}, err
	}

	return c.recount(ctx, tx, e.Project)
}

func (e AllEventsToNew) updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error) {
	projects, err := c.store.ListProjects(ctx)
	if err != nil {
		return UpdateResults{}, err
	}

	for _, project := range projects {
		payload, err := encodeQueued(project)
		if err != nil {
			return UpdateResults{}, fmt.Errorf("failed to encode queue row for %s: %w", project.Slug, err)
		}

		queued := ProjectEventsToNew{Project: project}
		if err := c.store.OfferStatusChangeTx(ctx, tx, queued.EventType(), payload); err != nil {
			return UpdateResults{}, err
		}
	}

	// Gauges refresh project by project as the queued events execute.
	return UpdateResults{}, nil
}

// guardError resolves why a guarded update matched nothing: the event does
// not exist, or it sits in a status the transition cannot start from.
func (c *StatusChanger) guardError(ctx context.Context, tx *sql.Tx, eventID string, projectID int64, transition string) error {
	var current events.Status

	err := tx.QueryRowContext(ctx,
		`SELECT status FROM event WHERE event_id = $1 AND project_id = $2`,
		eventID, projectID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%d", ErrEventNotFound, eventID, projectID)
	}

	if err != nil {
		return fmt.Errorf("failed to inspect event %s/%d: %w", eventID, projectID, err)
	}

	return fmt.Errorf("%w: %s cannot start from %s (event %s/%d)",
		ErrInvalidTransition, transition, current, eventID, projectID)
}

func execAffected(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update failed: %w", err)
	}

	return affected, nil
}
