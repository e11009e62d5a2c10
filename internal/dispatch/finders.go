package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/statuschange"
)

const defaultFetchLimit = 10

type (
	// StatusUpdater is the slice of the status changer the finders use to
	// undo a claim after a misdelivery.
	StatusUpdater interface {
		Update(ctx context.Context, event statuschange.StatusChangeEvent) (statuschange.UpdateResults, error)
	}

	// StatusGauges is the slice of the metrics the finders adjust when an
	// event moves in or out of flight.
	StatusGauges interface {
		Change(slug string, from, to events.Status, n int)
	}

	// processingRules parameterise the shared claim algorithm for the two
	// processing categories.
	processingRules struct {
		category events.Category

		// eligible are the statuses a claim can start from.
		eligible []string

		// blocking are the latest-event statuses that hide a project: when
		// the project's single newest event sits in one of these, older
		// eligible events must wait.
		blocking map[events.Status]bool

		// inFlight is the status set while a subscriber holds the event.
		inFlight events.Status

		// needPayload requires a stored payload row; events without one are
		// invisible to the finder.
		needPayload bool

		// rollback builds the status change that undoes a claim.
		rollback func(event *SendableEvent) statuschange.StatusChangeEvent
	}

	// ProcessingFinder claims the next event awaiting triples generation or
	// transformation. The claim happens in one transaction: candidate
	// projects are ranked by the prioritizer, the winner's newest eligible
	// event moves to the in-flight status and gets a delivery row.
	ProcessingFinder struct {
		store       *eventstore.Store
		changer     StatusUpdater
		prioritizer Prioritizer
		gauges      StatusGauges
		rules       processingRules
		fetchLimit  int
		logger      *slog.Logger
	}
)

// NewGenerationFinder creates the finder feeding AWAITING_GENERATION.
func NewGenerationFinder(
	store *eventstore.Store,
	changer StatusUpdater,
	prioritizer Prioritizer,
	gauges StatusGauges,
	fetchLimit int,
	logger *slog.Logger,
) *ProcessingFinder {
	rules := processingRules{
		category: events.CategoryAwaitingGeneration,
		eligible: []string{
			string(events.StatusNew),
			string(events.StatusGenerationRecoverableFailure),
		},
		blocking: map[events.Status]bool{
			events.StatusGeneratingTriples:                true,
			events.StatusTriplesGenerated:                 true,
			events.StatusTransformingTriples:              true,
			events.StatusTriplesStore:                     true,
			events.StatusTransformationRecoverableFailure: true,
			events.StatusAwaitingDeletion:                 true,
			events.StatusDeleting:                         true,
		},
		inFlight: events.StatusGeneratingTriples,
		rollback: func(event *SendableEvent) statuschange.StatusChangeEvent {
			return statuschange.RollbackToNew{EventID: event.ID, Project: event.Project}
		},
	}

	return newProcessingFinder(store, changer, prioritizer, gauges, rules, fetchLimit, logger)
}

// NewTransformationFinder creates the finder feeding AWAITING_TRANSFORMATION.
func NewTransformationFinder(
	store *eventstore.Store,
	changer StatusUpdater,
	prioritizer Prioritizer,
	gauges StatusGauges,
	fetchLimit int,
	logger *slog.Logger,
) *ProcessingFinder {
	rules := processingRules{
		category: events.CategoryAwaitingTransformation,
		eligible: []string{
			string(events.StatusTriplesGenerated),
			string(events.StatusTransformationRecoverableFailure),
		},
		blocking: map[events.Status]bool{
			events.StatusTransformingTriples: true,
			events.StatusTriplesStore:        true,
			events.StatusAwaitingDeletion:    true,
			events.StatusDeleting:            true,
		},
		inFlight:    events.StatusTransformingTriples,
		needPayload: true,
		rollback: func(event *SendableEvent) statuschange.StatusChangeEvent {
			return statuschange.RollbackToTriplesGenerated{EventID: event.ID, Project: event.Project}
		},
	}

	return newProcessingFinder(store, changer, prioritizer, gauges, rules, fetchLimit, logger)
}

func newProcessingFinder(
	store *eventstore.Store,
	changer StatusUpdater,
	prioritizer Prioritizer,
	gauges StatusGauges,
	rules processingRules,
	fetchLimit int,
	logger *slog.Logger,
) *ProcessingFinder {
	if fetchLimit < 1 {
		fetchLimit = defaultFetchLimit
	}

	return &ProcessingFinder{
		store:       store,
		changer:     changer,
		prioritizer: prioritizer,
		gauges:      gauges,
		rules:       rules,
		fetchLimit:  fetchLimit,
		logger:      logger,
	}
}

// PopEvent implements EventFinder.
func (f *ProcessingFinder) PopEvent(ctx context.Context, deliveryID string) (*SendableEvent, error) {
	var claim *SendableEvent

	err := f.store.WithTx(ctx, func(tx *sql.Tx) error {
		candidates, total, err := f.fetchCandidates(ctx, tx)
		if err != nil {
			return err
		}

		for _, candidate := range f.prioritizer.Prioritize(candidates, total) {
			event, err := f.claimProjectEvent(ctx, tx, candidate.Project, deliveryID)
			if err != nil {
				return err
			}

			if event != nil {
				claim = event

				return nil
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s finder failed: %w", f.rules.category, err)
	}

	if claim == nil {
		return nil, nil
	}

	// Gauge delta only after the commit made the claim durable.
	f.gauges.Change(claim.Project.Slug, claim.Source, f.rules.inFlight, 1)

	f.logger.DebugContext(ctx, "event claimed",
		slog.String("category", string(f.rules.category)),
		slog.String("event", claim.Ref()),
		slog.String("from", string(claim.Source)),
	)

	return claim, nil
}

// misdelivered rolls the claimed event back to its rest status after the
// subscriber holding it turned out to be unreachable.
func (f *ProcessingFinder) misdelivered(ctx context.Context, event *SendableEvent) error {
	_, err := f.changer.Update(ctx, f.rules.rollback(event))
	if err != nil && !errors.Is(err, statuschange.ErrInvalidTransition) &&
		!errors.Is(err, statuschange.ErrEventNotFound) {
		return err
	}

	return nil
}

// fetchCandidates lists the projects holding at least one eligible event due
// for execution, newest project first, together with each project's in
// flight delivery count and the global one.
func (f *ProcessingFinder) fetchCandidates(ctx context.Context, tx *sql.Tx) ([]Candidate, int, error) {
	const query = `
		SELECT p.project_id, p.project_slug, p.latest_event_date, COALESCE(held.count, 0)
		FROM project p
		LEFT JOIN (
			SELECT project_id, COUNT(*) AS count
			FROM event_delivery
			GROUP BY project_id
		) held ON held.project_id = p.project_id
		WHERE EXISTS (
			SELECT 1 FROM event e
			WHERE e.project_id = p.project_id
			  AND e.status = ANY($1)
			  AND e.execution_date <= now()
		)
		ORDER BY p.latest_event_date DESC
		LIMIT $2`

	rows, err := tx.QueryContext(ctx, query, pq.Array(f.rules.eligible), f.fetchLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch candidate projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []Candidate

	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Project.ID, &c.Project.Slug, &c.LatestEventDate, &c.Occupancy); err != nil {
			return nil, 0, fmt.Errorf("failed to scan candidate project: %w", err)
		}

		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("candidate listing aborted: %w", err)
	}

	if len(candidates) == 0 {
		return nil, 0, nil
	}

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_delivery`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count deliveries in flight: %w", err)
	}

	return candidates, total, nil
}

// claimProjectEvent tries to claim the project's newest eligible event.
// Returns (nil, nil) when the project yields nothing: its latest event
// blocks, no eligible event is due, or another dispatcher already holds it.
func (f *ProcessingFinder) claimProjectEvent(
	ctx context.Context,
	tx *sql.Tx,
	project events.Project,
	deliveryID string,
) (*SendableEvent, error) {
	latest, err := f.latestStatus(ctx, tx, project.ID)
	if err != nil {
		return nil, err
	}

	if f.rules.blocking[latest] {
		return nil, nil
	}

	event, err := f.selectEvent(ctx, tx, project)
	if err != nil || event == nil {
		return nil, err
	}

	id := events.CompoundID{EventID: event.ID, ProjectID: project.ID}

	inserted, err := f.store.InsertEventDeliveryTx(ctx, tx, id, deliveryID)
	if err != nil {
		return nil, err
	}

	if !inserted {
		return nil, nil
	}

	const mark = `
		UPDATE event
		SET status = $3, execution_date = now()
		WHERE event_id = $1 AND project_id = $2 AND status = $4`

	result, err := tx.ExecContext(ctx, mark, event.ID, project.ID, f.rules.inFlight, event.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to mark %s in flight: %w", id, err)
	}

	marked, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to mark %s in flight: %w", id, err)
	}

	if marked == 0 {
		// Lost the row between select and update; undo the delivery and let
		// the next candidate try.
		if err := f.store.DeleteEventDeliveryTx(ctx, tx, id); err != nil {
			return nil, err
		}

		return nil, nil
	}

	if f.rules.needPayload {
		if err := f.attachPayload(ctx, tx, event); err != nil {
			return nil, err
		}
	}

	return event, nil
}

// latestStatus returns the status of the project's single newest event.
// Equal event dates are broken by event id so the answer is stable.
func (f *ProcessingFinder) latestStatus(ctx context.Context, tx *sql.Tx, projectID int64) (events.Status, error) {
	const query = `
		SELECT status FROM event
		WHERE project_id = $1
		ORDER BY event_date DESC, event_id DESC
		LIMIT 1`

	var status events.Status

	err := tx.QueryRowContext(ctx, query, projectID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read latest status of project %d: %w", projectID, err)
	}

	return status, nil
}

// selectEvent locks the project's newest dispatchable event. Returns
// (nil, nil) when none is due.
func (f *ProcessingFinder) selectEvent(
	ctx context.Context,
	tx *sql.Tx,
	project events.Project,
) (*SendableEvent, error) {
	query := `
		SELECT event_id, status, event_body
		FROM event
		WHERE project_id = $1
		  AND status = ANY($2)
		  AND execution_date <= now()`

	if f.rules.needPayload {
		query += `
		  AND EXISTS (
			SELECT 1 FROM event_payload ep
			WHERE ep.event_id = event.event_id AND ep.project_id = event.project_id
		  )`
	}

	query += `
		ORDER BY event_date DESC, event_id DESC
		LIMIT 1
		FOR UPDATE OF event SKIP LOCKED`

	var (
		event = SendableEvent{Category: f.rules.category, Project: project}
		body  string
	)

	err := tx.QueryRowContext(ctx, query, project.ID, pq.Array(f.rules.eligible)).
		Scan(&event.ID, &event.Source, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to select dispatchable event of project %d: %w", project.ID, err)
	}

	if body != "" {
		event.Body = json.RawMessage(body)
	}

	return &event, nil
}

// attachPayload loads the zipped artifact the transformation subscriber
// needs. The selecting query guaranteed the row exists.
func (f *ProcessingFinder) attachPayload(ctx context.Context, tx *sql.Tx, event *SendableEvent) error {
	const query = `
		SELECT payload FROM event_payload
		WHERE event_id = $1 AND project_id = $2`

	var payload []byte

	err := tx.QueryRowContext(ctx, query, event.ID, event.Project.ID).Scan(&payload)
	if err != nil {
		return fmt.Errorf("failed to load payload of %s: %w", event.Ref(), err)
	}

	event.Payload = events.Payload(payload)

	return nil
}
