// Package db keeps the local audit log of dispatched tool calls in SQLite.
//
// The log is append-mostly: every call_tool request adds one row and the
// only delete is the retention prune at startup. It is never consulted when
// a tool runs, so losing the file loses history but nothing else.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory log, used when nothing needs to
// outlive the process.
const MemoryPath = ":memory:"

// filePragmas apply only to on-disk logs. WAL lets the history endpoint
// read while the dispatcher appends.
var filePragmas = []string{
	`PRAGMA journal_mode = WAL`,
	`PRAGMA synchronous = NORMAL`,
}

// DB is an open audit log.
type DB struct {
	conn  *sql.DB
	calls *ToolCallRepo
}

// Open opens or creates the audit log at path and brings its schema up to
// date.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("audit log path cannot be empty")
	}
	onDisk := path != MemoryPath
	if onDisk {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory for %q: %w", path, err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log at %q: %w", path, err)
	}
	// A single connection serialises appends and keeps :memory: alive.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := prepare(ctx, conn, onDisk); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &DB{conn: conn, calls: NewToolCallRepo(conn)}, nil
}

func prepare(ctx context.Context, conn *sql.DB, onDisk bool) error {
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach audit log: %w", err)
	}
	pragmas := []string{`PRAGMA busy_timeout = 5000`}
	if onDisk {
		pragmas = append(pragmas, filePragmas...)
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return RunMigrations(ctx, conn)
}

// ToolCalls is the repository over the tool_calls table.
func (d *DB) ToolCalls() *ToolCallRepo {
	return d.calls
}

func (d *DB) SQL() *sql.DB {
	return d.conn
}

// Ping backs the readiness check.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
