package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/triplestream/eventlog/internal/config"
	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/storage"
)

func setupStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := New(&storage.Connection{DB: testDB.Connection}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return store
}

func creationEvent(id string, project events.Project, date time.Time) events.CreationEvent {
	return events.CreationEvent{
		ID:        id,
		Project:   project,
		Date:      date,
		BatchDate: date.Add(5 * time.Second),
		Body:      json.RawMessage(`{"id":"` + id + `"}`),
		Status:    events.StatusNew,
	}
}

func TestCreateEvent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 1, Slug: "group/project"}

	created, err := store.CreateEvent(ctx, creationEvent("aaa", project, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, created)

	// Same compound id again: idempotent no-op.
	created, err = store.CreateEvent(ctx, creationEvent("aaa", project, time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, created)

	// Same commit id in another project is a distinct event.
	created, err = store.CreateEvent(ctx, creationEvent("aaa", events.Project{ID: 2, Slug: "other/project"}, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateEventRejectsInvalid(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	event := creationEvent("aaa", events.Project{ID: 1, Slug: "group/project"}, time.Now().UTC())
	event.Body = nil

	_, err := store.CreateEvent(ctx, event)
	assert.Error(t, err)
}

func TestUpsertProjectKeepsLatestEventDateMonotonic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 7, Slug: "group/project"}

	newer := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-24 * time.Hour)

	_, err := store.CreateEvent(ctx, creationEvent("newer", project, newer))
	require.NoError(t, err)

	// An older event must not move latest_event_date backwards nor steal the slug.
	olderEvent := creationEvent("older", events.Project{ID: 7, Slug: "group/renamed-before"}, older)
	_, err = store.CreateEvent(ctx, olderEvent)
	require.NoError(t, err)

	stored, err := store.FindProjectBySlug(ctx, "group/project")
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.ID)

	var latest time.Time
	err = store.conn.QueryRowContext(ctx,
		`SELECT latest_event_date FROM project WHERE project_id = 7`).Scan(&latest)
	require.NoError(t, err)
	assert.True(t, latest.Equal(newer), "latest_event_date = %v, want %v", latest, newer)
}

func TestFindProjectEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 3, Slug: "group/project"}

	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	_, err := store.CreateEvent(ctx, creationEvent("first", project, first))
	require.NoError(t, err)
	_, err = store.CreateEvent(ctx, creationEvent("second", project, second))
	require.NoError(t, err)

	// Record processing times for the first event.
	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		id := events.CompoundID{EventID: "first", ProjectID: 3}
		if err := store.UpsertProcessingTimeTx(ctx, tx, id, events.StatusTriplesGenerated, 2*time.Second); err != nil {
			return err
		}

		return store.UpsertProcessingTimeTx(ctx, tx, id, events.StatusTriplesStore, 1500*time.Millisecond)
	})
	require.NoError(t, err)

	infos, err := store.FindProjectEvents(ctx, "group/project")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// Newest first.
	assert.Equal(t, "second", infos[0].ID)
	assert.Empty(t, infos[0].ProcessingTimes)

	assert.Equal(t, "first", infos[1].ID)
	require.Len(t, infos[1].ProcessingTimes, 2)
	assert.Equal(t, events.StatusTriplesGenerated, infos[1].ProcessingTimes[0].Status)
	assert.Equal(t, 2*time.Second, infos[1].ProcessingTimes[0].Duration)
	assert.Equal(t, 1500*time.Millisecond, infos[1].ProcessingTimes[1].Duration)

	infos, err = store.FindProjectEvents(ctx, "unknown/slug")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestFindEvent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 4, Slug: "group/project"}

	date := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	_, err := store.CreateEvent(ctx, creationEvent("evt", project, date))
	require.NoError(t, err)

	event, err := store.FindEvent(ctx, events.CompoundID{EventID: "evt", ProjectID: 4})
	require.NoError(t, err)
	assert.Equal(t, "evt", event.ID)
	assert.Equal(t, project, event.Project)
	assert.Equal(t, events.StatusNew, event.Status)
	assert.True(t, event.EventDate.Equal(date))
	assert.JSONEq(t, `{"id":"evt"}`, string(event.Body))
	assert.Empty(t, event.Message)

	_, err = store.FindEvent(ctx, events.CompoundID{EventID: "evt", ProjectID: 99})
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestFindEventsInStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	base := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)

	_, err := store.CreateEvent(ctx, creationEvent("b", events.Project{ID: 1, Slug: "a/a"}, base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.CreateEvent(ctx, creationEvent("a", events.Project{ID: 2, Slug: "b/b"}, base))
	require.NoError(t, err)

	skippedEvent := creationEvent("c", events.Project{ID: 1, Slug: "a/a"}, base.Add(2*time.Hour))
	skippedEvent.Status = events.StatusSkipped
	skippedEvent.Message = "fork commit"
	skippedEvent.Body = nil
	_, err = store.CreateEvent(ctx, skippedEvent)
	require.NoError(t, err)

	found, err := store.FindEventsInStatus(ctx, events.StatusNew)
	require.NoError(t, err)
	require.Len(t, found, 2)

	// Oldest event date first, across projects.
	assert.Equal(t, "a", found[0].ID)
	assert.Equal(t, "b", found[1].ID)

	found, err = store.FindEventsInStatus(ctx, events.StatusSkipped)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "fork commit", found[0].Message)

	found, err = store.FindEventsInStatus(ctx, events.StatusDeleting)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCountsByStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 9, Slug: "group/project"}

	_, err := store.CreateEvent(ctx, creationEvent("e1", project, time.Now().UTC()))
	require.NoError(t, err)
	_, err = store.CreateEvent(ctx, creationEvent("e2", project, time.Now().UTC()))
	require.NoError(t, err)

	skippedEvent := creationEvent("e3", project, time.Now().UTC())
	skippedEvent.Status = events.StatusSkipped
	skippedEvent.Message = "fork commit"
	skippedEvent.Body = nil
	_, err = store.CreateEvent(ctx, skippedEvent)
	require.NoError(t, err)

	counts, err := store.CountsByStatus(ctx)
	require.NoError(t, err)
	require.Contains(t, counts, "group/project")
	assert.Equal(t, 2, counts["group/project"][events.StatusNew])
	assert.Equal(t, 1, counts["group/project"][events.StatusSkipped])
}

func TestSubscriberPersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	capacity := 4
	record := SubscriberRecord{
		DeliveryID:  "16ad2ae0-e8f1-4a0f-9bc2-7724ad2ae000",
		DeliveryURL: "http://worker-1:9001/events",
		SourceURL:   "http://eventlog:9005",
		Capacity:    &capacity,
	}
	require.NoError(t, store.UpsertSubscriber(ctx, record))

	// Re-subscription with a new delivery id replaces in place.
	record.DeliveryID = "27be3bf1-f902-4b10-8cd3-8835be3bf111"
	record.Capacity = nil
	require.NoError(t, store.UpsertSubscriber(ctx, record))

	require.NoError(t, store.UpsertSubscriber(ctx, SubscriberRecord{
		DeliveryID:  "room-for-one-more",
		DeliveryURL: "http://worker-2:9001/events",
		SourceURL:   "http://other-instance:9005",
	}))

	records, err := store.ListSubscribers(ctx, "http://eventlog:9005")
	require.NoError(t, err)
	require.Len(t, records, 1, "only this instance's subscribers are listed")
	assert.Equal(t, "27be3bf1-f902-4b10-8cd3-8835be3bf111", records[0].DeliveryID)
	assert.Nil(t, records[0].Capacity)

	require.NoError(t, store.DeleteSubscriber(ctx, "http://worker-1:9001/events", "http://eventlog:9005"))

	records, err = store.ListSubscribers(ctx, "http://eventlog:9005")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEventDeliveryUniqueness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 5, Slug: "group/project"}

	_, err := store.CreateEvent(ctx, creationEvent("evt", project, time.Now().UTC()))
	require.NoError(t, err)

	id := events.CompoundID{EventID: "evt", ProjectID: 5}

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		inserted, err := store.InsertEventDeliveryTx(ctx, tx, id, "delivery-1")
		require.NoError(t, err)
		assert.True(t, inserted)

		// Second delivery of the same event bounces off the unique index.
		inserted, err = store.InsertEventDeliveryTx(ctx, tx, id, "delivery-2")
		require.NoError(t, err)
		assert.False(t, inserted)

		return nil
	})
	require.NoError(t, err)

	// Project-scoped deliveries are independent of event-scoped ones.
	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		inserted, err := store.InsertProjectDeliveryTx(ctx, tx, 5, "CLEAN_UP", "delivery-1")
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.InsertProjectDeliveryTx(ctx, tx, 5, "CLEAN_UP", "delivery-2")
		require.NoError(t, err)
		assert.False(t, inserted)

		return store.DeleteProjectDeliveryTx(ctx, tx, 5, "CLEAN_UP")
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.DeleteEventDeliveryTx(ctx, tx, id)
	})
	require.NoError(t, err)
}

func TestCategorySyncTimes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 11, Slug: "group/project"}

	_, err := store.CreateEvent(ctx, creationEvent("evt", project, time.Now().UTC()))
	require.NoError(t, err)

	first := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertCategorySyncTime(ctx, 11, events.CategoryMemberSync, first))

	later := first.Add(time.Hour)
	require.NoError(t, store.UpsertCategorySyncTime(ctx, 11, events.CategoryMemberSync, later))

	times, err := store.FindProjectCategorySyncTimes(ctx, 11)
	require.NoError(t, err)
	require.Len(t, times, 1)
	assert.Equal(t, events.CategoryMemberSync, times[0].Category)
	assert.True(t, times[0].LastSynced.Equal(later))
}

func TestCleanUpQueueFIFO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	offer := func(p events.Project) bool {
		var offered bool
		err := store.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			offered, err = store.OfferToCleanUpQueueTx(ctx, tx, p)

			return err
		})
		require.NoError(t, err)

		return offered
	}

	assert.True(t, offer(events.Project{ID: 1, Slug: "a/a"}))
	assert.True(t, offer(events.Project{ID: 2, Slug: "b/b"}))
	assert.False(t, offer(events.Project{ID: 1, Slug: "a/a"}), "one slot per project")

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := store.OldestCleanUpProjectTx(ctx, tx)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, int64(1), head.ID, "oldest first")

		return store.RemoveFromCleanUpQueueTx(ctx, tx, head.ID)
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := store.OldestCleanUpProjectTx(ctx, tx)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, int64(2), head.ID)

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.RemoveFromCleanUpQueue(ctx, 2))

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := store.OldestCleanUpProjectTx(ctx, tx)
		require.NoError(t, err)
		assert.Nil(t, head)

		return nil
	})
	require.NoError(t, err)
}

func TestStatusChangeQueueOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.OfferStatusChangeTx(ctx, tx, "ProjectEventsToNew", []byte(`{"project":{"id":1,"slug":"a/a"}}`)); err != nil {
			return err
		}

		return store.OfferStatusChangeTx(ctx, tx, "ProjectEventsToNew", []byte(`{"project":{"id":2,"slug":"b/b"}}`))
	})
	require.NoError(t, err)

	head, err := store.FetchOldestStatusChange(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "ProjectEventsToNew", head.EventType)
	assert.Contains(t, string(head.Payload), `"id":1`)

	require.NoError(t, store.RemoveStatusChange(ctx, head.ID))

	head, err = store.FetchOldestStatusChange(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Contains(t, string(head.Payload), `"id":2`)

	require.NoError(t, store.RemoveStatusChange(ctx, head.ID))

	head, err = store.FetchOldestStatusChange(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestRefreshLatestEventDate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupStore(ctx, t)
	project := events.Project{ID: 21, Slug: "group/project"}

	date := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	_, err := store.CreateEvent(ctx, creationEvent("only", project, date))
	require.NoError(t, err)

	// Force the project row ahead, then refresh back from events.
	_, err = store.conn.ExecContext(ctx,
		`UPDATE project SET latest_event_date = now() WHERE project_id = 21`)
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.RefreshLatestEventDateTx(ctx, tx, 21)
	})
	require.NoError(t, err)

	var latest time.Time
	err = store.conn.QueryRowContext(ctx,
		`SELECT latest_event_date FROM project WHERE project_id = 21`).Scan(&latest)
	require.NoError(t, err)
	assert.True(t, latest.Equal(date))

	// With the last event gone the project disappears too.
	_, err = store.conn.ExecContext(ctx, `DELETE FROM event WHERE project_id = 21`)
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.RefreshLatestEventDateTx(ctx, tx, 21)
	})
	require.NoError(t, err)

	_, err = store.FindProjectBySlug(ctx, "group/project")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
