package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/triplestream/eventlog/internal/config"
	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/statuschange"
	"github.com/triplestream/eventlog/internal/storage"
)

// gaugeProbe records gauge traffic from finders (Change) and from the status
// changer used in rollbacks (SyncProject).
type gaugeProbe struct {
	mutex   sync.Mutex
	changes []string
}

func (g *gaugeProbe) Change(slug string, from, to events.Status, n int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if n == 0 {
		return
	}

	g.changes = append(g.changes, slug+":"+string(from)+">"+string(to))
}

func (g *gaugeProbe) SyncProject(string, map[events.Status]int) {}

func (g *gaugeProbe) recorded() []string {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return append([]string(nil), g.changes...)
}

type finderHarness struct {
	db      *sql.DB
	store   *eventstore.Store
	changer *statuschange.StatusChanger
	gauges  *gaugeProbe
	logger  *slog.Logger
}

func setupFinders(ctx context.Context, t *testing.T) *finderHarness {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	logger := slog.New(slog.DiscardHandler)

	store, err := eventstore.New(&storage.Connection{DB: testDB.Connection}, logger)
	require.NoError(t, err)

	gauges := &gaugeProbe{}

	return &finderHarness{
		db:      testDB.Connection,
		store:   store,
		changer: statuschange.NewStatusChanger(store, gauges, 10*time.Second, logger),
		gauges:  gauges,
		logger:  logger,
	}
}

func (h *finderHarness) generationFinder() *ProcessingFinder {
	return NewGenerationFinder(h.store, h.changer, RecencyPrioritizer{}, h.gauges, 10, h.logger)
}

func (h *finderHarness) transformationFinder() *ProcessingFinder {
	return NewTransformationFinder(h.store, h.changer, RecencyPrioritizer{}, h.gauges, 10, h.logger)
}

// seedEvent creates an event and forces it into the wanted status. Creation
// only accepts NEW, so later statuses are staged directly.
func (h *finderHarness) seedEvent(
	ctx context.Context,
	t *testing.T,
	id string,
	project events.Project,
	date time.Time,
	status events.Status,
) {
	t.Helper()

	created, err := h.store.CreateEvent(ctx, events.CreationEvent{
		ID:        id,
		Project:   project,
		Date:      date,
		BatchDate: date,
		Body:      json.RawMessage(`{"id":"` + id + `"}`),
		Status:    events.StatusNew,
	})
	require.NoError(t, err)
	require.True(t, created)

	if status != events.StatusNew {
		_, err = h.db.ExecContext(ctx,
			`UPDATE event SET status = $3 WHERE event_id = $1 AND project_id = $2`,
			id, project.ID, status)
		require.NoError(t, err)
	}
}

func (h *finderHarness) seedPayload(ctx context.Context, t *testing.T, id string, projectID int64) {
	t.Helper()

	err := h.store.WithTx(ctx, func(tx *sql.Tx) error {
		return h.store.UpsertPayloadTx(ctx, tx,
			events.CompoundID{EventID: id, ProjectID: projectID}, events.Payload("zipped"))
	})
	require.NoError(t, err)
}

func (h *finderHarness) status(ctx context.Context, t *testing.T, id string, projectID int64) events.Status {
	t.Helper()

	var status events.Status

	err := h.db.QueryRowContext(ctx,
		`SELECT status FROM event WHERE event_id = $1 AND project_id = $2`,
		id, projectID).Scan(&status)
	require.NoError(t, err)

	return status
}

func (h *finderHarness) count(ctx context.Context, t *testing.T, query string, args ...any) int {
	t.Helper()

	var count int

	err := h.db.QueryRowContext(ctx, query, args...).Scan(&count)
	require.NoError(t, err)

	return count
}

func TestGenerationFinderClaimsNewestEligible(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}
	base := time.Now().UTC().Add(-time.Hour)

	h.seedEvent(ctx, t, "older", project, base, events.StatusNew)
	h.seedEvent(ctx, t, "newer", project, base.Add(time.Minute), events.StatusNew)

	event, err := h.generationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "newer", event.ID)
	assert.Equal(t, events.CategoryAwaitingGeneration, event.Category)
	assert.Equal(t, events.StatusNew, event.Source)
	assert.JSONEq(t, `{"id":"newer"}`, string(event.Body))
	assert.Nil(t, event.Payload)

	assert.Equal(t, events.StatusGeneratingTriples, h.status(ctx, t, "newer", project.ID))
	assert.Equal(t, 1, h.count(ctx, t,
		`SELECT count(*) FROM event_delivery
		 WHERE event_id = 'newer' AND project_id = 1 AND delivery_id = 'delivery-1'`))
	assert.Equal(t, []string{"g/p:NEW>GENERATING_TRIPLES"}, h.gauges.recorded())

	// The latest event is now in flight, which hides the older one.
	event, err = h.generationFinder().PopEvent(ctx, "delivery-2")
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestGenerationFinderLatestEventBlocks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}
	base := time.Now().UTC().Add(-time.Hour)

	h.seedEvent(ctx, t, "eligible", project, base, events.StatusNew)
	h.seedEvent(ctx, t, "latest", project, base.Add(time.Minute), events.StatusDeleting)

	// A deleting latest event makes the whole project invisible.
	event, err := h.generationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	assert.Nil(t, event)

	// Skipped is see-through: the older eligible event becomes claimable.
	_, err = h.db.ExecContext(ctx,
		`UPDATE event SET status = 'SKIPPED' WHERE event_id = 'latest'`)
	require.NoError(t, err)

	event, err = h.generationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "eligible", event.ID)
}

func TestGenerationFinderHonorsExecutionDate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}

	h.seedEvent(ctx, t, "deferred", project, time.Now().UTC(), events.StatusGenerationRecoverableFailure)

	_, err := h.db.ExecContext(ctx,
		`UPDATE event SET execution_date = now() + interval '1 hour' WHERE event_id = 'deferred'`)
	require.NoError(t, err)

	event, err := h.generationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	assert.Nil(t, event)

	// Once the deferral lapses the failure is retried.
	_, err = h.db.ExecContext(ctx,
		`UPDATE event SET execution_date = now() - interval '1 second' WHERE event_id = 'deferred'`)
	require.NoError(t, err)

	event, err = h.generationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "deferred", event.ID)
	assert.Equal(t, events.StatusGenerationRecoverableFailure, event.Source)
}

func TestTransformationFinderRequiresPayload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}

	h.seedEvent(ctx, t, "e1", project, time.Now().UTC(), events.StatusTriplesGenerated)

	// Without a stored artifact the event is invisible.
	event, err := h.transformationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	assert.Nil(t, event)

	h.seedPayload(ctx, t, "e1", project.ID)

	event, err = h.transformationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "e1", event.ID)
	assert.Equal(t, events.Payload("zipped"), event.Payload)
	assert.Equal(t, events.StatusTransformingTriples, h.status(ctx, t, "e1", project.ID))
}

func TestFinderSkipsEventsAlreadyHeld(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}

	h.seedEvent(ctx, t, "held", project, time.Now().UTC(), events.StatusNew)

	err := h.store.WithTx(ctx, func(tx *sql.Tx) error {
		inserted, err := h.store.InsertEventDeliveryTx(ctx, tx,
			events.CompoundID{EventID: "held", ProjectID: project.ID}, "other-holder")
		require.True(t, inserted)

		return err
	})
	require.NoError(t, err)

	event, err := h.generationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	assert.Nil(t, event)

	// The stray claim was not disturbed and the event did not move.
	assert.Equal(t, events.StatusNew, h.status(ctx, t, "held", project.ID))
	assert.Equal(t, 1, h.count(ctx, t,
		`SELECT count(*) FROM event_delivery WHERE delivery_id = 'other-holder'`))
}

func TestGenerationFinderPrefersRecentProject(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	stale := events.Project{ID: 1, Slug: "g/stale"}
	fresh := events.Project{ID: 2, Slug: "g/fresh"}

	h.seedEvent(ctx, t, "s1", stale, time.Now().UTC().Add(-24*time.Hour), events.StatusNew)
	h.seedEvent(ctx, t, "f1", fresh, time.Now().UTC().Add(-time.Minute), events.StatusNew)

	event, err := h.generationFinder().PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "f1", event.ID)

	event, err = h.generationFinder().PopEvent(ctx, "delivery-2")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "s1", event.ID)
}

func TestGenerationFinderMisdeliveredRollsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}

	h.seedEvent(ctx, t, "e1", project, time.Now().UTC(), events.StatusNew)

	finder := h.generationFinder()

	event, err := finder.PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)

	require.NoError(t, finder.misdelivered(ctx, event))

	assert.Equal(t, events.StatusNew, h.status(ctx, t, "e1", project.ID))
	assert.Equal(t, 0, h.count(ctx, t, `SELECT count(*) FROM event_delivery`))
}

func TestCleanUpFinderLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	first := events.Project{ID: 1, Slug: "g/first"}
	second := events.Project{ID: 2, Slug: "g/second"}

	h.seedEvent(ctx, t, "a1", first, time.Now().UTC(), events.StatusAwaitingDeletion)
	h.seedEvent(ctx, t, "a2", first, time.Now().UTC().Add(time.Second), events.StatusAwaitingDeletion)
	h.seedEvent(ctx, t, "b1", second, time.Now().UTC(), events.StatusAwaitingDeletion)

	err := h.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, project := range []events.Project{first, second} {
			if _, err := h.store.OfferToCleanUpQueueTx(ctx, tx, project); err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)

	// Make the first project unambiguously the oldest queue entry.
	_, err = h.db.ExecContext(ctx,
		`UPDATE clean_up_events_queue SET date = date - interval '1 minute' WHERE project_id = 1`)
	require.NoError(t, err)

	finder := NewCleanUpFinder(h.store, h.changer, h.gauges, h.logger)

	event, err := finder.PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, events.CategoryCleanUp, event.Category)
	assert.Equal(t, "g/first", event.Project.Slug)
	assert.Empty(t, event.ID)
	assert.Equal(t, events.StatusDeleting, h.status(ctx, t, "a1", first.ID))
	assert.Equal(t, events.StatusDeleting, h.status(ctx, t, "a2", first.ID))
	assert.Equal(t, 1, h.count(ctx, t,
		`SELECT count(*) FROM event_delivery
		 WHERE project_id = 1 AND event_type_id = 'CLEAN_UP' AND event_id IS NULL`))

	// The queue slot survives until the clean-up is delivered, but the in
	// flight project is passed over in favour of the next one.
	event, err = finder.PopEvent(ctx, "delivery-2")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "g/second", event.Project.Slug)

	require.NoError(t, finder.delivered(ctx, &SendableEvent{Category: events.CategoryCleanUp, Project: first}))
	assert.Equal(t, 0, h.count(ctx, t,
		`SELECT count(*) FROM clean_up_events_queue WHERE project_id = 1`))
}

func TestCleanUpFinderMisdeliveredReturnsProjectToQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}

	h.seedEvent(ctx, t, "a1", project, time.Now().UTC(), events.StatusAwaitingDeletion)

	err := h.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := h.store.OfferToCleanUpQueueTx(ctx, tx, project)

		return err
	})
	require.NoError(t, err)

	finder := NewCleanUpFinder(h.store, h.changer, h.gauges, h.logger)

	event, err := finder.PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)

	require.NoError(t, finder.misdelivered(ctx, event))

	assert.Equal(t, events.StatusAwaitingDeletion, h.status(ctx, t, "a1", project.ID))
	assert.Equal(t, 0, h.count(ctx, t, `SELECT count(*) FROM event_delivery`))
	assert.Equal(t, 1, h.count(ctx, t, `SELECT count(*) FROM clean_up_events_queue`))

	// Still queued, so the next pop claims it again.
	event, err = finder.PopEvent(ctx, "delivery-2")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "g/p", event.Project.Slug)
}

func TestMemberSyncFinderLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupFinders(ctx, t)
	project := events.Project{ID: 1, Slug: "g/p"}

	h.seedEvent(ctx, t, "e1", project, time.Now().UTC(), events.StatusNew)

	finder := NewMemberSyncFinder(h.store, time.Hour, h.logger)

	// Never synced: claimed immediately.
	event, err := finder.PopEvent(ctx, "delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, events.CategoryMemberSync, event.Category)
	assert.Equal(t, "g/p", event.Project.Slug)

	// While in flight the project is not offered again.
	again, err := finder.PopEvent(ctx, "delivery-2")
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, finder.delivered(ctx, event))

	assert.Equal(t, 0, h.count(ctx, t, `SELECT count(*) FROM event_delivery`))
	assert.Equal(t, 1, h.count(ctx, t,
		`SELECT count(*) FROM subscription_category_sync_time
		 WHERE project_id = 1 AND category_name = 'MEMBER_SYNC'`))

	// Freshly synced: nothing to do until the interval lapses.
	event, err = finder.PopEvent(ctx, "delivery-3")
	require.NoError(t, err)
	assert.Nil(t, event)

	_, err = h.db.ExecContext(ctx,
		`UPDATE subscription_category_sync_time SET last_synced = now() - interval '2 hours'`)
	require.NoError(t, err)

	event, err = finder.PopEvent(ctx, "delivery-3")
	require.NoError(t, err)
	require.NotNil(t, event)
}
