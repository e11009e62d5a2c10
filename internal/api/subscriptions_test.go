package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/subscribers"
)

// registryStore keeps subscriber records in memory.
type registryStore struct {
	mutex   sync.Mutex
	records []eventstore.SubscriberRecord
}

func (s *registryStore) UpsertSubscriber(_ context.Context, record eventstore.SubscriberRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.records = append(s.records, record)

	return nil
}

func (s *registryStore) DeleteSubscriber(_ context.Context, _, _ string) error { return nil }

func (s *registryStore) ListSubscribers(_ context.Context, _ string) ([]eventstore.SubscriberRecord, error) {
	return nil, nil
}

func (s *registryStore) last(t *testing.T) eventstore.SubscriberRecord {
	t.Helper()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	require.NotEmpty(t, s.records)

	return s.records[len(s.records)-1]
}

// newSubscriptionServer wires a server around one registry backed by an
// in-memory store.
func newSubscriptionServer(t *testing.T, store subscribers.Store) (*Server, *subscribers.Registry) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	registry := subscribers.NewRegistry(
		events.CategoryAwaitingGeneration,
		subscribers.Config{SourceURL: "http://eventlog.test"},
		store,
		logger,
	)
	t.Cleanup(func() { _ = registry.Close() })

	server := &Server{
		logger:     logger,
		config:     &ServerConfig{MaxRequestSize: 1 << 20},
		registries: map[events.Category]*subscribers.Registry{registry.Category(): registry},
	}

	return server, registry
}

func postSubscription(server *Server, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()

	server.handlePostSubscription(recorder, request)

	return recorder
}

func TestPostSubscriptionRegistersSubscriber(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &registryStore{}
	server, registry := newSubscriptionServer(t, store)

	recorder := postSubscription(server,
		`{"categoryName":"AWAITING_GENERATION","subscriber":{"url":"http://worker-1:8080/events"}}`)

	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, 1, registry.SubscriberCount())

	record := store.last(t)
	assert.Equal(t, "http://worker-1:8080/events", record.DeliveryURL)
	assert.Equal(t, "http://eventlog.test", record.SourceURL)
	assert.NotEmpty(t, record.DeliveryID, "missing id must be filled with a generated one")
}

func TestPostSubscriptionKeepsCallerProvidedID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &registryStore{}
	server, _ := newSubscriptionServer(t, store)

	recorder := postSubscription(server,
		`{"categoryName":"AWAITING_GENERATION","subscriber":{"url":"http://worker-1:8080/events","id":"worker-1","capacity":4}}`)

	assert.Equal(t, http.StatusAccepted, recorder.Code)

	record := store.last(t)
	assert.Equal(t, "worker-1", record.DeliveryID)
	require.NotNil(t, record.Capacity)
	assert.Equal(t, 4, *record.Capacity)
}

func TestPostSubscriptionRejectsUnknownCategory(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, _ := newSubscriptionServer(t, &registryStore{})

	recorder := postSubscription(server,
		`{"categoryName":"CREATION","subscriber":{"url":"http://worker-1:8080/events"}}`)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Unsupported Event Type", decodeEnvelope(t, recorder).Message)
}

func TestPostSubscriptionRejectsMissingURL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, registry := newSubscriptionServer(t, &registryStore{})

	recorder := postSubscription(server, `{"categoryName":"AWAITING_GENERATION","subscriber":{"id":"worker-1"}}`)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, 0, registry.SubscriberCount())
}

func TestPostSubscriptionRejectsMalformedBody(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server, _ := newSubscriptionServer(t, &registryStore{})

	recorder := postSubscription(server, `{"categoryName":`)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Malformed subscription body", decodeEnvelope(t, recorder).Message)
}
