package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/triplestream/eventlog/internal/config"
	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/metrics"
	"github.com/triplestream/eventlog/internal/statuschange"
	"github.com/triplestream/eventlog/internal/storage"
	"github.com/triplestream/eventlog/internal/subscribers"
)

type apiHarness struct {
	db       *sql.DB
	store    *eventstore.Store
	registry *subscribers.Registry
	server   *httptest.Server
}

// setupAPI wires the full ingress stack against a throwaway database: store,
// gauges, status changer, one registry and all three consumers behind the real
// route table and middleware chain.
func setupAPI(ctx context.Context, t *testing.T) *apiHarness {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	logger := slog.New(slog.DiscardHandler)

	store, err := eventstore.New(&storage.Connection{DB: testDB.Connection}, logger)
	require.NoError(t, err)

	gauges := metrics.NewStatusGauges(prometheus.NewRegistry())
	changer := statuschange.NewStatusChanger(store, gauges, 10*time.Second, logger)

	registry := subscribers.NewRegistry(
		events.CategoryAwaitingGeneration,
		subscribers.Config{SourceURL: "http://eventlog.test"},
		store,
		logger,
	)
	t.Cleanup(func() { _ = registry.Close() })

	cfg := &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        slog.LevelError,
		MaxRequestSize:  1 << 20,
	}

	server := NewServer(cfg, store,
		[]Consumer{
			NewCreationConsumer(store, gauges, 4, logger),
			NewStatusChangeConsumer(changer, 1, logger),
			NewCleanUpRequestConsumer(store, gauges, 2, logger),
		},
		[]*subscribers.Registry{registry},
		nil,
	)

	httpServer := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(httpServer.Close)

	return &apiHarness{
		db:       testDB.Connection,
		store:    store,
		registry: registry,
		server:   httpServer,
	}
}

// postEvent sends one multipart event, with an optional payload file part.
func (h *apiHarness) postEvent(t *testing.T, event string, payload []byte) (int, Envelope) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("event", event))

	if payload != nil {
		part, err := writer.CreateFormFile("payload", "triples.zip")
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	response, err := h.server.Client().Post(h.server.URL+"/events", writer.FormDataContentType(), &buf)
	require.NoError(t, err)

	return response.StatusCode, readEnvelope(t, response)
}

func readEnvelope(t *testing.T, response *http.Response) Envelope {
	t.Helper()

	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(body, &envelope), "body: %s", body)

	return envelope
}

func (h *apiHarness) eventStatus(ctx context.Context, t *testing.T, id string, projectID int64) events.Status {
	t.Helper()

	var status events.Status
	err := h.db.QueryRowContext(ctx,
		`SELECT status FROM event WHERE event_id = $1 AND project_id = $2`,
		id, projectID).Scan(&status)
	require.NoError(t, err)

	return status
}

func (h *apiHarness) count(ctx context.Context, t *testing.T, query string, args ...any) int {
	t.Helper()

	var n int
	require.NoError(t, h.db.QueryRowContext(ctx, query, args...).Scan(&n))

	return n
}

func TestEventLifecycleOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupAPI(ctx, t)

	creation := `{
		"categoryName": "CREATION",
		"id": "commit-1",
		"project": {"id": 1, "slug": "grp/proj"},
		"date": "2026-01-10T12:00:00Z",
		"batchDate": "2026-01-10T12:00:00Z",
		"body": {"id": "commit-1", "title": "initial commit"}
	}`

	status, envelope := h.postEvent(t, creation, nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "info", envelope.Severity)
	assert.Equal(t, "Event accepted", envelope.Message)
	assert.Equal(t, events.StatusNew, h.eventStatus(ctx, t, "commit-1", 1))

	// A replayed creation is acknowledged without touching the stored row.
	status, _ = h.postEvent(t, creation, nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 1, h.count(ctx, t, `SELECT count(*) FROM event WHERE project_id = 1`))

	// Stage a generation run so the reported result has a run to settle.
	_, err := h.db.ExecContext(ctx,
		`UPDATE event SET status = 'GENERATING_TRIPLES' WHERE event_id = 'commit-1' AND project_id = 1`)
	require.NoError(t, err)

	generated := `{
		"categoryName": "EVENTS_STATUS_CHANGE",
		"newStatus": "TRIPLES_GENERATED",
		"id": "commit-1",
		"project": {"id": 1, "slug": "grp/proj"},
		"processingTime": 1500
	}`

	status, envelope = h.postEvent(t, generated, []byte("zipped-triples"))
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Event accepted", envelope.Message)

	// The transition is applied after the response; poll for it.
	require.Eventually(t, func() bool {
		return h.eventStatus(ctx, t, "commit-1", 1) == events.StatusTriplesGenerated
	}, 5*time.Second, 50*time.Millisecond)

	var payload []byte
	err = h.db.QueryRowContext(ctx,
		`SELECT payload FROM event_payload WHERE event_id = 'commit-1' AND project_id = 1`).Scan(&payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("zipped-triples"), payload)

	response, err := h.server.Client().Get(h.server.URL + "/events?project-slug=grp/proj")
	require.NoError(t, err)

	defer func() { _ = response.Body.Close() }()
	require.Equal(t, http.StatusOK, response.StatusCode)

	var views []EventView
	require.NoError(t, json.NewDecoder(response.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, "commit-1", views[0].ID)
	assert.Equal(t, events.StatusTriplesGenerated, views[0].Status)
	assert.Contains(t, views[0].ProcessingTimes, ProcessingTimeView{
		Status:         events.StatusTriplesGenerated,
		ProcessingTime: 1500,
	})
}

func TestGetEventsValidationOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupAPI(ctx, t)

	response, err := h.server.Client().Get(h.server.URL + "/events")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
	assert.Equal(t, "Missing project-slug parameter", readEnvelope(t, response).Message)

	// An unknown slug is an empty list, not an error.
	response, err = h.server.Client().Get(h.server.URL + "/events?project-slug=grp/unknown")
	require.NoError(t, err)

	defer func() { _ = response.Body.Close() }()
	assert.Equal(t, http.StatusOK, response.StatusCode)

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
}

func TestCleanUpRequestOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupAPI(ctx, t)

	for _, id := range []string{"commit-1", "commit-2"} {
		creation := `{
			"categoryName": "CREATION",
			"id": "` + id + `",
			"project": {"id": 7, "slug": "grp/doomed"},
			"date": "2026-01-10T12:00:00Z",
			"batchDate": "2026-01-10T12:00:00Z",
			"body": {"id": "` + id + `"}
		}`

		status, _ := h.postEvent(t, creation, nil)
		require.Equal(t, http.StatusAccepted, status)
	}

	cleanUp := `{"categoryName": "CLEAN_UP_REQUEST", "project": {"id": 7, "slug": "grp/doomed"}}`

	status, envelope := h.postEvent(t, cleanUp, nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "info", envelope.Severity)

	assert.Equal(t, 2, h.count(ctx, t,
		`SELECT count(*) FROM event WHERE project_id = 7 AND status = $1`, events.StatusAwaitingDeletion))
	assert.Equal(t, 1, h.count(ctx, t, `SELECT count(*) FROM clean_up_events_queue WHERE project_id = 7`))

	// Requesting clean-up again neither duplicates the queue row nor fails.
	status, _ = h.postEvent(t, cleanUp, nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 1, h.count(ctx, t, `SELECT count(*) FROM clean_up_events_queue WHERE project_id = 7`))
}

func TestSubscriptionOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupAPI(ctx, t)

	body := `{"categoryName": "AWAITING_GENERATION", "subscriber": {"url": "http://worker-1:8080/events"}}`

	response, err := h.server.Client().Post(h.server.URL+"/subscriptions", "application/json",
		bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, response.StatusCode)
	assert.Equal(t, "Subscription accepted", readEnvelope(t, response).Message)

	assert.Equal(t, 1, h.registry.SubscriberCount())
	assert.Equal(t, 1, h.count(ctx, t,
		`SELECT count(*) FROM subscriber WHERE delivery_url = $1 AND source_url = $2`,
		"http://worker-1:8080/events", "http://eventlog.test"))
}

func TestEventRejectionsOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := setupAPI(ctx, t)

	t.Run("not multipart", func(t *testing.T) {
		response, err := h.server.Client().Post(h.server.URL+"/events", "application/json",
			bytes.NewReader([]byte(`{"categoryName":"CREATION"}`)))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, response.StatusCode)
		assert.Equal(t, "Not multipart request", readEnvelope(t, response).Message)
	})

	t.Run("unknown category", func(t *testing.T) {
		status, envelope := h.postEvent(t, `{"categoryName":"TELEMETRY"}`, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "Unsupported Event Type", envelope.Message)
	})

	t.Run("invalid creation event", func(t *testing.T) {
		status, envelope := h.postEvent(t, `{"categoryName":"CREATION","id":"commit-1"}`, nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "error", envelope.Severity)
		assert.NotEmpty(t, envelope.Message)
	})

	assert.Equal(t, 0, h.count(ctx, t, `SELECT count(*) FROM event`))
}

func TestOperationalEndpointsOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := setupAPI(context.Background(), t)

	t.Run("ping", func(t *testing.T) {
		response, err := h.server.Client().Get(h.server.URL + "/ping")
		require.NoError(t, err)

		defer func() { _ = response.Body.Close() }()
		assert.Equal(t, http.StatusOK, response.StatusCode)

		body, err := io.ReadAll(response.Body)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(body))
	})

	t.Run("health", func(t *testing.T) {
		response, err := h.server.Client().Get(h.server.URL + "/health")
		require.NoError(t, err)

		defer func() { _ = response.Body.Close() }()
		require.Equal(t, http.StatusOK, response.StatusCode)

		var health HealthStatus
		require.NoError(t, json.NewDecoder(response.Body).Decode(&health))
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, "eventlog", health.ServiceName)
	})

	t.Run("unknown path", func(t *testing.T) {
		response, err := h.server.Client().Get(h.server.URL + "/nope")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, response.StatusCode)
		assert.Equal(t, "error", readEnvelope(t, response).Severity)
	})
}
