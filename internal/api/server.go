package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/triplestream/eventlog/internal/api/middleware"
	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/subscribers"
)

const serviceName = "eventlog"

// Version is stamped at build time via -ldflags; dev builds report "dev".
var Version = "dev" //nolint: gochecknoglobals

// Server is the HTTP API server of the event log.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	store       *eventstore.Store
	consumers   map[events.Category]Consumer
	registries  map[events.Category]*subscribers.Registry
	rateLimiter middleware.RateLimiter
}

// NewServer creates the HTTP server with structured logging and the
// middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig: configuration says what to serve, the dependencies say how.
//
// Parameters:
//   - cfg: pure server configuration (address, timeouts, request size)
//   - store: the event store backing reads and health checks
//   - consumers: one per ingress category of the events endpoint
//   - registries: one per egress category, for subscriber registration
//   - rateLimiter: rate limiter implementation (nil disables rate limiting)
func NewServer(
	cfg *ServerConfig,
	store *eventstore.Store,
	consumers []Consumer,
	registries []*subscribers.Registry,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		consumers:   make(map[events.Category]Consumer, len(consumers)),
		registries:  make(map[events.Category]*subscribers.Registry, len(registries)),
		rateLimiter: rateLimiter,
	}

	for _, consumer := range consumers {
		server.consumers[consumer.Category()] = consumer
	}

	for _, registry := range registries {
		server.registries[registry.Category()] = registry
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("rate limiting middleware enabled")
	} else {
		logger.Warn("rate limiter not configured, rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - tag every request and response
	//   2. Recovery - catch panics in all downstream handlers
	//   3. RateLimit - shed load before expensive operations (optional)
	//   4. RequestLogger - log only requests that got through
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start runs the HTTP server until ctx is cancelled or the listener fails.
// On cancellation the server drains in-flight requests within the configured
// shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting event log API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown requested")

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down server",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop the rate limiter where the implementation has something to stop.
	if limiter, ok := s.rateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("server shutdown completed")

	return nil
}
