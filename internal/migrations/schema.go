package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema introspection helpers shared by the migration steps. All of them
// look at the current schema only, so search_path overrides behave.

func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}

	return exists, nil
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, table, column).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check column %s.%s: %w", table, column, err)
	}

	return exists, nil
}

func columnType(ctx context.Context, tx *sql.Tx, table, column string) (string, error) {
	const query = `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`

	var dataType string
	if err := tx.QueryRowContext(ctx, query, table, column).Scan(&dataType); err != nil {
		return "", fmt.Errorf("failed to read type of %s.%s: %w", table, column, err)
	}

	return dataType, nil
}

func indexExists(ctx context.Context, tx *sql.Tx, index string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = current_schema() AND indexname = $1
		)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, index).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", index, err)
	}

	return exists, nil
}

func execAll(ctx context.Context, tx *sql.Tx, statements ...string) error {
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}

	return nil
}
