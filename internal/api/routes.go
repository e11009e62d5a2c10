package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/triplestream/eventlog/internal/api/middleware"
	"github.com/triplestream/eventlog/internal/metrics"
)

const healthCheckTimeout = 2 * time.Second

type (
	// VersionInfo is the GET /version response body.
	VersionInfo struct {
		Version     string `json:"version"`
		ServiceName string `json:"serviceName"`
	}

	// HealthStatus is the GET /health response body.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route pairs a mux pattern with its handler. Patterns may carry a
	// method prefix ("GET /ping").
	Route struct {
		Pattern string
		Handler http.HandlerFunc
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Operational endpoints bypass rate limiting so probes and scrapers
	// keep working while ingress is being shed.
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},
		Route{"GET /version", s.handleVersion},
		Route{"GET /health", s.handleHealth},
	)

	middleware.RegisterPublicEndpoint("/metrics")
	mux.Handle("GET /metrics", metrics.Handler())

	// Event log endpoints
	mux.HandleFunc("POST /events", s.handlePostEvent)
	mux.HandleFunc("GET /events", s.handleGetEvents)
	mux.HandleFunc("POST /subscriptions", s.handlePostSubscription)

	// Catch-all handler for 404 responses
	mux.HandleFunc("/", s.handleNotFound)
}

// registerPublicRoutes registers routes and exempts their paths from rate
// limiting.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Pattern, route.Handler)

		path := route.Pattern
		if fields := strings.Fields(path); len(fields) == 2 {
			path = fields[1]
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleVersion reports the running build.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, VersionInfo{
		Version:     Version,
		ServiceName: serviceName,
	})
}

// handleHealth returns the service health, database included. An unreachable
// database makes the whole service unhealthy: every operation needs it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("storage health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteMessage(w, r, s.logger, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     Version,
		Uptime:      uptime,
	})
}

// handleNotFound answers unknown paths with the error envelope.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteMessage(w, r, s.logger, http.StatusNotFound, "The requested resource was not found")
}
