package api

import (
	"log/slog"
	"net/http"

	"github.com/triplestream/eventlog/internal/api/middleware"
	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
)

type (
	// EventView is one row of the GET /events response.
	EventView struct {
		ID              string               `json:"id"`
		Status          events.Status        `json:"status"`
		Message         string               `json:"message,omitempty"`
		ProcessingTimes []ProcessingTimeView `json:"processingTimes"`
	}

	// ProcessingTimeView reports a reached status and the milliseconds the
	// event spent getting there.
	ProcessingTimeView struct {
		Status         events.Status `json:"status"`
		ProcessingTime int64         `json:"processingTime"`
	}
)

// handleGetEvents lists a project's events, newest first. An unknown slug is
// an empty list, not an error.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("project-slug")
	if slug == "" {
		WriteMessage(w, r, s.logger, http.StatusBadRequest, "Missing project-slug parameter")

		return
	}

	infos, err := s.store.FindProjectEvents(r.Context(), slug)
	if err != nil {
		s.logger.Error("failed to list project events",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("project", slug),
			slog.String("error", err.Error()),
		)

		if eventstore.IsConnectionError(err) {
			WriteMessage(w, r, s.logger, http.StatusServiceUnavailable, "Database unavailable")

			return
		}

		WriteMessage(w, r, s.logger, http.StatusInternalServerError, "Failed to list project events")

		return
	}

	views := make([]EventView, 0, len(infos))

	for _, info := range infos {
		view := EventView{
			ID:              info.ID,
			Status:          info.Status,
			Message:         info.Message,
			ProcessingTimes: make([]ProcessingTimeView, 0, len(info.ProcessingTimes)),
		}

		for _, pt := range info.ProcessingTimes {
			view.ProcessingTimes = append(view.ProcessingTimes, ProcessingTimeView{
				Status:         pt.Status,
				ProcessingTime: pt.Duration.Milliseconds(),
			})
		}

		views = append(views, view)
	}

	s.writeJSON(w, r, http.StatusOK, views)
}
