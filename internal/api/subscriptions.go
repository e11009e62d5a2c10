package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/triplestream/eventlog/internal/api/middleware"
	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/subscribers"
)

// subscriptionRequest is the POST /subscriptions body.
type subscriptionRequest struct {
	CategoryName string `json:"categoryName"`
	Subscriber   struct {
		URL      string `json:"url"`
		ID       string `json:"id"`
		Capacity *int   `json:"capacity"`
	} `json:"subscriber"`
}

// handlePostSubscription registers a worker with the category's registry.
// Workers that do not name their delivery id get a fresh one.
func (s *Server) handlePostSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&req); err != nil {
		WriteMessage(w, r, s.logger, http.StatusBadRequest, "Malformed subscription body")

		return
	}

	registry, ok := s.registries[events.Category(req.CategoryName)]
	if !ok {
		WriteMessage(w, r, s.logger, http.StatusBadRequest, "Unsupported Event Type")

		return
	}

	if req.Subscriber.URL == "" {
		WriteMessage(w, r, s.logger, http.StatusBadRequest, "Missing subscriber url")

		return
	}

	id := req.Subscriber.ID
	if id == "" {
		id = uuid.NewString()
	}

	subscriber := subscribers.Subscriber{
		URL:      req.Subscriber.URL,
		ID:       id,
		Capacity: req.Subscriber.Capacity,
	}

	if _, err := registry.Add(r.Context(), subscriber); err != nil {
		s.logger.Error("failed to register subscriber",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("category", req.CategoryName),
			slog.String("url", req.Subscriber.URL),
			slog.String("error", err.Error()),
		)

		WriteMessage(w, r, s.logger, http.StatusServiceUnavailable, "Database unavailable")

		return
	}

	WriteMessage(w, r, s.logger, http.StatusAccepted, "Subscription accepted")
}
