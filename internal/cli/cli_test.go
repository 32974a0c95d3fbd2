package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jomapps/mcp-story-bible-service/configs"
	"github.com/jomapps/mcp-story-bible-service/internal/db"
	"github.com/jomapps/mcp-story-bible-service/internal/hub"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if strings.TrimSpace(out) != "storybible "+Version {
		t.Fatalf("version output = %q", out)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "storybible.yaml")

	if _, err := run(t, "--config", path, "config", "init"); err != nil {
		t.Fatalf("config init error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written config: %v", err)
	}
	if !bytes.Equal(data, configs.Example) {
		t.Fatal("written config differs from the embedded example")
	}

	if _, err := run(t, "--config", path, "config", "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second init error = %v", err)
	}
	if _, err := run(t, "--config", path, "config", "init", "--force"); err != nil {
		t.Fatalf("forced init error = %v", err)
	}
}

func TestConfigPrintRedactsSecrets(t *testing.T) {
	t.Setenv("PAYLOADCMS_API_KEY", "super-secret")
	path := filepath.Join(t.TempDir(), "storybible.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9123\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := run(t, "--config", path, "config", "print")
	if err != nil {
		t.Fatalf("config print error = %v", err)
	}
	if strings.Contains(out, "super-secret") {
		t.Fatalf("secret leaked:\n%s", out)
	}
	if !strings.Contains(out, "port: 9123") {
		t.Fatalf("file value missing:\n%s", out)
	}

	out, err = run(t, "--config", path, "config", "print", "--show-secrets")
	if err != nil {
		t.Fatalf("config print --show-secrets error = %v", err)
	}
	if !strings.Contains(out, "super-secret") {
		t.Fatalf("secret not shown:\n%s", out)
	}
}

func TestExplicitMissingConfigFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := run(t, "--config", missing, "config", "print"); err == nil {
		t.Fatal("config print with a missing explicit file error = nil")
	}
}

func TestStdioRequiresToken(t *testing.T) {
	t.Setenv(tokenEnv, "")
	_, err := run(t, "stdio")
	if err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Fatalf("stdio error = %v", err)
	}
}

func TestAuditRecorder(t *testing.T) {
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	repo := db.NewToolCallRepo(store.SQL())
	rec := auditRecorder{repo: repo}

	started := time.Now().Add(-time.Second)
	if err := rec.RecordCall(context.Background(), hub.CallRecord{
		ConnectionID:  "conn-1",
		UserID:        "user-1",
		Tool:          "add_scene",
		CorrelationID: "7",
		Status:        hub.CallStatusError,
		Error:         "Story bible sb-9 not found",
		StartedAt:     started,
		Duration:      1500 * time.Millisecond,
	}); err != nil {
		t.Fatalf("RecordCall() error = %v", err)
	}

	calls, err := repo.ListByUser(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	got := calls[0]
	if got.Tool != "add_scene" || got.Status != db.ToolCallError || got.CorrelationID != "7" || got.DurationMS != 1500 {
		t.Fatalf("stored call = %+v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("hello", "tool", "get_story_bible")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"tool":"get_story_bible"`) {
		t.Fatalf("json log = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
}
