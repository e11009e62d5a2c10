// Package main provides the schema migration CLI of the event log.
//
// The event log migrates by inspection: every step checks the live schema and
// applies only what is missing, so the full list runs safely at every start.
// This tool runs that same list against a database without starting the
// service, for deploy pipelines that migrate before rollout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/triplestream/eventlog/internal/migrations"
	"github.com/triplestream/eventlog/internal/storage"
)

// Version information
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	switch command := flag.Arg(0); command {
	case "run":
		if err := runMigrations(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	case "list":
		listMigrations()
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}

// runMigrations connects to the database and applies the full ordered list.
func runMigrations() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Migrating event log schema",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	return migrations.NewRunner(conn.DB, logger).Run(ctx)
}

// listMigrations prints the ordered list without touching a database.
func listMigrations() {
	for i, m := range migrations.Ordered() {
		fmt.Printf("%2d  %s\n", i+1, m.Name())
	}
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`%s v%s - Schema Migration Tool for the Event Log

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    run     Apply the full migration list (idempotent, safe to re-run)
    list    Print the ordered migration list without connecting

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED for run)

EXAMPLES:
    %s run                   # Bring the schema up to date
    %s list                  # Show which steps would run

Every step inspects the schema and applies only what is missing; there are no
down migrations. Restoring an older schema means restoring a backup.
`, name, version, name, name, name)
}
