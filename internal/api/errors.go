// Package api serves the event log's HTTP surface: event ingress, the
// project event listing, subscriber registration and the operational
// endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/triplestream/eventlog/internal/api/middleware"
)

// Envelope is the uniform response body of the service. Every endpoint that
// has something to say, success or failure, says it in this shape.
type Envelope struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// WriteMessage writes the response envelope for the given status code. The
// severity derives from the code: below 400 is info, everything else error.
func WriteMessage(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, message string) {
	envelope := Envelope{Severity: "error", Message: message}
	if status < http.StatusBadRequest {
		envelope.Severity = "info"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		logger.Error("failed to encode response envelope",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}

// writeJSON marshals body and writes it with the given status. Marshal
// failures turn into a 500 envelope before any header is sent.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteMessage(w, r, s.logger, http.StatusInternalServerError, "Failed to encode response")

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
