// Package main provides the event log service of the triple store platform.
//
// The service records commit lifecycle events per project, hands ready events
// to registered subscriber workers over HTTP multipart, and tracks each
// event's progress through triple generation and transformation until the
// triples reach the store.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/triplestream/eventlog/internal/api"
	"github.com/triplestream/eventlog/internal/api/middleware"
	"github.com/triplestream/eventlog/internal/config"
	"github.com/triplestream/eventlog/internal/dispatch"
	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/metrics"
	"github.com/triplestream/eventlog/internal/migrations"
	"github.com/triplestream/eventlog/internal/statuschange"
	"github.com/triplestream/eventlog/internal/storage"
	"github.com/triplestream/eventlog/internal/subscribers"
	"github.com/triplestream/eventlog/internal/zombies"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "eventlog"
)

//nolint:funlen,cyclop // main wires the whole service once; splitting it would scatter the startup order
func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting event log service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	middlewareConfig := middleware.LoadConfig()

	// Graceful shutdown of the limiter is handled by server.shutdown().
	var rateLimiter middleware.RateLimiter

	if middlewareConfig.Enabled {
		rateLimiter = middleware.NewTokenBucketLimiter(middlewareConfig)

		logger.Info("Rate limiter initialized",
			slog.Int("rps", middlewareConfig.RPS),
			slog.Int("burst", middlewareConfig.Burst),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close() // Ensure connection closes on normal shutdown
	}()

	if err := migrations.NewRunner(conn.DB, logger).Run(ctx); err != nil {
		logger.Error("Failed to migrate database schema", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	store, err := eventstore.New(conn, logger)
	if err != nil {
		logger.Error("Failed to initialize event store", slog.String("error", err.Error()))

		_ = conn.Close()
		os.Exit(1)
	}

	logger.Info("Event store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	gauges := metrics.NewStatusGauges(prometheus.DefaultRegisterer)
	sent := metrics.NewSentEvents(prometheus.DefaultRegisterer)

	// Gauges start from the database truth so a restart does not zero them.
	counts, err := store.CountsByStatus(ctx)
	if err != nil {
		logger.Error("Failed to count events for metrics", slog.String("error", err.Error()))

		_ = conn.Close()
		os.Exit(1)
	}

	gauges.Sync(counts)

	settings, err := dispatch.LoadSettingsFromEnv()
	if err != nil {
		logger.Warn("Failed to load dispatch tuning, using defaults", slog.String("error", err.Error()))

		settings = &dispatch.Settings{}
	}

	retryInterval := config.GetEnvDuration("RETRY_INTERVAL", 10*time.Second)
	changer := statuschange.NewStatusChanger(store, gauges, retryInterval, logger)

	processor := statuschange.NewQueueProcessor(store, changer,
		config.GetEnvDuration("QUEUE_POLL_INTERVAL", time.Second), logger)
	go processor.Run(ctx)

	cleaner := zombies.NewCleaner(store, changer,
		config.GetEnvDuration("ZOMBIE_INTERVAL", time.Minute),
		config.GetEnvDuration("ZOMBIE_GRACE", 5*time.Minute),
		logger)
	go cleaner.Run(ctx)

	var (
		sourceURL       = config.GetEnvStr("EVENTLOG_URL", "http://localhost:8080")
		busySleep       = config.GetEnvDuration("BUSY_SLEEP", 5*time.Second)
		checkupInterval = config.GetEnvDuration("CHECKUP_INTERVAL", 500*time.Millisecond)
		fetchLimit      = config.GetEnvInt("PROJECTS_FETCHING_LIMIT", 10)
		noEventSleep    = config.GetEnvDuration("NO_EVENT_SLEEP", time.Second)
		syncInterval    = config.GetEnvDuration("SYNC_INTERVAL", time.Hour)
	)

	sender := dispatch.NewEventsSender(config.GetEnvDuration("REQUEST_TIMEOUT", 10*time.Second), logger)

	egress := []events.Category{
		events.CategoryAwaitingGeneration,
		events.CategoryAwaitingTransformation,
		events.CategoryCleanUp,
		events.CategoryMemberSync,
	}

	registries := make([]*subscribers.Registry, 0, len(egress))

	defer func() {
		for _, registry := range registries {
			_ = registry.Close()
		}
	}()

	for _, category := range egress {
		tuning := settings.For(category)

		registryConfig := subscribers.Config{
			SourceURL:       sourceURL,
			BusySleep:       busySleep,
			CheckupInterval: checkupInterval,
		}
		if tuning.BusySleep > 0 {
			registryConfig.BusySleep = tuning.BusySleep.Std()
		}

		registry := subscribers.NewRegistry(category, registryConfig, store, logger)
		registries = append(registries, registry)

		// A failed restore only empties the pool; workers re-register on
		// their own schedule.
		if err := registry.Restore(ctx); err != nil {
			logger.Warn("Failed to restore subscribers",
				slog.String("category", string(category)),
				slog.String("error", err.Error()),
			)
		}

		limit := fetchLimit
		if tuning.FetchLimit > 0 {
			limit = tuning.FetchLimit
		}

		var finder dispatch.EventFinder

		switch category {
		case events.CategoryAwaitingGeneration:
			finder = dispatch.NewGenerationFinder(store, changer, dispatch.RecencyPrioritizer{}, gauges, limit, logger)
		case events.CategoryAwaitingTransformation:
			finder = dispatch.NewTransformationFinder(store, changer, dispatch.RecencyPrioritizer{}, gauges, limit, logger)
		case events.CategoryCleanUp:
			finder = dispatch.NewCleanUpFinder(store, changer, gauges, logger)
		case events.CategoryMemberSync:
			finder = dispatch.NewMemberSyncFinder(store, syncInterval, logger)
		}

		dispatcherConfig := dispatch.DispatcherConfig{
			NoEventSleep:  noEventSleep,
			RetryInterval: retryInterval,
		}
		if tuning.NoEventSleep > 0 {
			dispatcherConfig.NoEventSleep = tuning.NoEventSleep.Std()
		}
		if tuning.RetryInterval > 0 {
			dispatcherConfig.RetryInterval = tuning.RetryInterval.Std()
		}

		dispatcher := dispatch.NewEventsDispatcher(registry, finder, sender, sent, dispatcherConfig, logger)
		go dispatcher.Run(ctx)
	}

	consumers := []api.Consumer{
		api.NewCreationConsumer(store, gauges,
			config.GetEnvInt("CREATION_CONCURRENCY", 4), logger),
		api.NewStatusChangeConsumer(changer,
			config.GetEnvInt("STATUS_CHANGE_CONCURRENCY", 1), logger),
		api.NewCleanUpRequestConsumer(store, gauges,
			config.GetEnvInt("CLEANUP_CONCURRENCY", 2), logger),
	}

	server := api.NewServer(serverConfig, store, consumers, registries, rateLimiter)

	if err := server.Start(ctx); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)

		for _, registry := range registries {
			_ = registry.Close()
		}

		_ = conn.Close()
		os.Exit(1)
	}

	logger.Info("Event log service stopped")
}
