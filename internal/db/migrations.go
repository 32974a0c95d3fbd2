package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create tool call log",
		sql: `
CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
`,
	},
	{
		version: 2,
		name:    "index tool calls by user and tool",
		sql: `
CREATE INDEX IF NOT EXISTS idx_tool_calls_user_started ON tool_calls(user_id, started_at);
CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
`,
	},
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RunMigrations applies every pending migration in one transaction.
func RunMigrations(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS _meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', '0')`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare schema metadata: %w", err)
		}
	}

	current, err := readSchemaVersion(ctx, tx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	return nil
}

func apply(ctx context.Context, tx *sql.Tx, m migration) error {
	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration %03d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _meta SET value = ? WHERE key = 'schema_version'`, strconv.Itoa(m.version)); err != nil {
		return fmt.Errorf("record schema version %03d: %w", m.version, err)
	}
	return nil
}

// SchemaVersion reports the last applied migration.
func SchemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	return readSchemaVersion(ctx, conn)
}

func readSchemaVersion(ctx context.Context, q rowQuerier) (int, error) {
	var raw string
	if err := q.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	return v, nil
}
