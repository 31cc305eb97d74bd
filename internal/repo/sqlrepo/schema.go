package sqlrepo

import (
	"context"
	"fmt"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectForDriver maps a database/sql driver name onto a schema dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres, nil
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS distributed_mutex (
		name TEXT PRIMARY KEY,
		lock_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		machine_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS error_log (
		id BIGSERIAL PRIMARY KEY,
		machine_name TEXT NOT NULL,
		identity_name TEXT NOT NULL,
		command_line TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		formatted_message TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		target TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_log (
		id BIGSERIAL PRIMARY KEY,
		kind CHAR(1) NOT NULL CHECK (kind IN ('T', 'S', 'M')),
		task_name TEXT NOT NULL,
		step_name TEXT,
		message TEXT,
		machine_name TEXT,
		identity_name TEXT,
		execution_time_seconds DOUBLE PRECISION,
		occurred_at TIMESTAMPTZ NOT NULL,
		task_log_id BIGINT REFERENCES task_log(id) ON DELETE CASCADE,
		step_log_id BIGINT REFERENCES task_log(id) ON DELETE CASCADE,
		error_log_id BIGINT REFERENCES error_log(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_log_parent_idx ON task_log (task_log_id)`,
	`CREATE INDEX IF NOT EXISTS task_log_kind_name_idx ON task_log (kind, task_name)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS distributed_mutex (
		name TEXT PRIMARY KEY,
		lock_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		machine_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS error_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_name TEXT NOT NULL,
		identity_name TEXT NOT NULL,
		command_line TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		formatted_message TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		target TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL CHECK (kind IN ('T', 'S', 'M')),
		task_name TEXT NOT NULL,
		step_name TEXT,
		message TEXT,
		machine_name TEXT,
		identity_name TEXT,
		execution_time_seconds REAL,
		occurred_at TIMESTAMP NOT NULL,
		task_log_id INTEGER REFERENCES task_log(id) ON DELETE CASCADE,
		step_log_id INTEGER REFERENCES task_log(id) ON DELETE CASCADE,
		error_log_id INTEGER REFERENCES error_log(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_log_parent_idx ON task_log (task_log_id)`,
	`CREATE INDEX IF NOT EXISTS task_log_kind_name_idx ON task_log (kind, task_name)`,
}

// Schema returns the bootstrap DDL for dialect. Versioned migrations are
// owned by the deployment, this only creates missing tables.
func Schema(dialect Dialect) ([]string, error) {
	switch dialect {
	case DialectPostgres:
		return postgresSchema, nil
	case DialectSQLite:
		return sqliteSchema, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

func EnsureSchema(ctx context.Context, db DB, dialect Dialect) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	statements, err := Schema(dialect)
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
