// Package middleware provides the HTTP middleware of the event log API.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics and logs them.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if err := recover(); err != nil {
					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", GetCorrelationID(ctx)),
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
					)

					writeEnvelope(w, r, logger, http.StatusInternalServerError,
						"An unexpected error occurred while processing the request")
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}

// writeEnvelope writes the service's error envelope from middleware, where
// the api package's responder is out of reach.
func writeEnvelope(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, message string) {
	envelope := struct {
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}{
		Severity: "error",
		Message:  message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		logger.Error("failed to encode error envelope",
			slog.String("correlation_id", GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}
