// Package storage provides the PostgreSQL connection layer shared by the
// event store, the migration runner and the HTTP health endpoint.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the postgres driver
)

const defaultPingTimeout = 5 * time.Second

var (
	// ErrNoDatabaseConnection is returned when an operation is attempted on a nil connection.
	ErrNoDatabaseConnection = errors.New("no database connection")
)

// Connection wraps *sql.DB with the pool settings applied from Config.
// The DB field is exported so tests can construct a Connection around a mock driver.
type Connection struct {
	DB *sql.DB
}

// Connect opens a PostgreSQL connection pool, applies the pool settings from
// cfg and verifies connectivity with a bounded ping.
//
// Returns:
//   - *Connection on success
//   - error when the config is invalid, the URL cannot be parsed, or the ping fails
func Connect(ctx context.Context, cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &Connection{DB: db}, nil
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	return c.DB.PingContext(ctx)
}

// BeginTx starts a transaction with the given options.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c == nil || c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.BeginTx(ctx, opts)
}

// ExecContext executes a statement outside a transaction.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c == nil || c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside a transaction.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c == nil || c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query outside a transaction.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// Close releases the connection pool.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}
