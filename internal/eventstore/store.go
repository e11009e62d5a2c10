// Package eventstore implements the PostgreSQL persistence layer of the
// event log: event creation, project bookkeeping, payloads, processing
// times, subscriber records, deliveries, category sync times and the two
// durable queues.
//
// Multi-statement status updates (the status change updaters, the finders
// and the zombie cleaner) live with their owning packages; they compose the
// transaction-scoped helpers exported here.
package eventstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/triplestream/eventlog/internal/storage"
)

// Sentinel errors for event store operations.
var (
	// ErrEventStoreFailed is returned when a storage operation fails.
	ErrEventStoreFailed = errors.New("event store operation failed")

	// ErrProjectNotFound is returned when a project slug resolves to nothing.
	ErrProjectNotFound = errors.New("project not found")

	// ErrEventNotFound is returned when a compound id matches no event row.
	ErrEventNotFound = errors.New("event not found")
)

// Store provides the PostgreSQL-backed event log operations.
type Store struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// New creates a Store over an established connection.
// Returns ErrNoDatabaseConnection when conn is nil.
func New(conn *storage.Connection, logger *slog.Logger) (*Store, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Store{conn: conn, logger: logger}, nil
}

// WithTx runs fn inside a transaction: begin, fn, commit, with rollback on
// any failure. Exported so the status changer, the finders and the zombie
// cleaner can compose multi-statement updates with the helpers below.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %w", ErrEventStoreFailed, err)
	}

	return nil
}

// HealthCheck reports database reachability for the health endpoint.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// IsConnectionError checks whether an error indicates a lost database
// connection. Uses PostgreSQL error codes (Class 08 = Connection Exception)
// and standard database/sql errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
