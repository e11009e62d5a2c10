// Package main provides the commit-event ingestion bridge of the event log.
//
// The bridge consumes forge commit events from a Kafka topic and forwards
// each one to the event-log events endpoint as a CREATION request. Offsets
// are committed only once the event log answered, so a crash never loses a
// commit; at worst one is replayed, which the event log absorbs.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/triplestream/eventlog/internal/config"
	"github.com/triplestream/eventlog/internal/ingest"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "eventlog-ingester"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	cfg := ingest.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid ingester configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting event log ingester",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("topic", cfg.Topic),
		slog.String("group_id", cfg.GroupID),
		slog.String("endpoint", cfg.Endpoint),
		slog.Int("brokers", len(cfg.Brokers)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := ingest.NewReader(cfg)

	defer func() {
		_ = reader.Close() // Ensure the group rebalances on normal shutdown
	}()

	consumer := ingest.NewConsumer(reader, ingest.NewForwarder(cfg, logger), cfg, logger)

	if err := consumer.Run(ctx); err != nil {
		logger.Error("Ingester failed", slog.String("error", err.Error()))

		_ = reader.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Event log ingester stopped")
}
