package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "storybible-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "tool_calls")
}

func TestOpenUsesWALOnDisk(t *testing.T) {
	database, _ := openTestDB(t)

	var mode string
	if err := database.SQL().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	if err := database.ToolCalls().Create(context.Background(), &ToolCall{Tool: "get_story_bible", UserID: "user-1"}); err != nil {
		t.Fatalf("ToolCalls().Create() error = %v", err)
	}
	calls, err := database.ToolCalls().ListByUser(context.Background(), "user-1", 0)
	if err != nil || len(calls) != 1 {
		t.Fatalf("ListByUser() = %d calls, %v", len(calls), err)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") error = nil")
	}
}

func TestOpenInMemory(t *testing.T) {
	database, err := Open(context.Background(), MemoryPath)
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	defer database.Close()
	assertTableExists(t, database.SQL(), "tool_calls")
	if err := database.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()

	if err := RunMigrations(ctx, database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	version, err := SchemaVersion(ctx, database.SQL())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if want := migrations[len(migrations)-1].version; version != want {
		t.Fatalf("schema version = %d, want %d", version, want)
	}
}

func TestToolCallRepoCreateAndGet(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewToolCallRepo(database.SQL())
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	call := &ToolCall{
		ConnectionID:  "conn-1",
		UserID:        "user-1",
		Tool:          "create_story_bible",
		CorrelationID: `"1"`,
		StartedAt:     started,
		Duration:      1500 * time.Millisecond,
	}
	if err := repo.Create(ctx, call); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if call.ID == "" {
		t.Fatal("Create() did not set ID")
	}
	if call.Status != ToolCallOK || call.DurationMS != 1500 {
		t.Fatalf("Create() defaults = %#v", call)
	}

	got, err := repo.Get(ctx, call.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Tool != "create_story_bible" || got.UserID != "user-1" || got.CorrelationID != `"1"` {
		t.Fatalf("Get() = %#v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Fatalf("Duration = %v", got.Duration)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestToolCallRepoRejectsIncompleteCalls(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewToolCallRepo(database.SQL())

	if err := repo.Create(context.Background(), nil); err == nil {
		t.Fatal("Create(nil) error = nil")
	}
	if err := repo.Create(context.Background(), &ToolCall{UserID: "u"}); err == nil {
		t.Fatal("Create(no tool) error = nil")
	}
}

func TestToolCallRepoListFiltersAndOrders(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewToolCallRepo(database.SQL())
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	calls := []*ToolCall{
		{UserID: "user-1", Tool: "add_scene", StartedAt: base},
		{UserID: "user-1", Tool: "add_character", Status: ToolCallError, Error: "boom", StartedAt: base.Add(500 * time.Millisecond)},
		{UserID: "user-1", Tool: "add_scene", StartedAt: base.Add(time.Second)},
		{UserID: "user-2", Tool: "add_scene", StartedAt: base.Add(2 * time.Second)},
	}
	for _, c := range calls {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	mine, err := repo.ListByUser(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(mine) != 3 {
		t.Fatalf("ListByUser() len = %d, want 3", len(mine))
	}
	if mine[0].ID != calls[2].ID || mine[1].ID != calls[1].ID || mine[2].ID != calls[0].ID {
		t.Fatalf("ListByUser() not newest first: %s %s %s", mine[0].Tool, mine[1].Tool, mine[2].Tool)
	}

	tests := []struct {
		name   string
		filter ToolCallFilter
		want   int
	}{
		{"all", ToolCallFilter{}, 4},
		{"by tool", ToolCallFilter{Tool: "add_scene"}, 3},
		{"by status", ToolCallFilter{Status: ToolCallError}, 1},
		{"since", ToolCallFilter{Since: base.Add(time.Second)}, 2},
		{"limit", ToolCallFilter{Limit: 2}, 2},
		{"user and tool", ToolCallFilter{UserID: "user-2", Tool: "add_scene"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("List() len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestToolCallRepoDeleteBefore(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewToolCallRepo(database.SQL())
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := repo.Create(ctx, &ToolCall{UserID: "u", Tool: "t", StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	n, err := repo.DeleteBefore(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("DeleteBefore() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("DeleteBefore() removed %d, want 2", n)
	}
	left, _ := repo.List(ctx, ToolCallFilter{})
	if len(left) != 1 {
		t.Fatalf("left %d calls, want 1", len(left))
	}
}
