package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ToolCallOK    = "ok"
	ToolCallError = "error"
)

// ToolCall is one completed call_tool request as seen by the dispatch
// channel. Arguments and results are never stored.
type ToolCall struct {
	ID            string        `json:"id"`
	ConnectionID  string        `json:"connection_id"`
	UserID        string        `json:"user_id"`
	Tool          string        `json:"tool"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"-"`
	DurationMS    int64         `json:"duration_ms"`
}

// ToolCallFilter narrows ListToolCalls. Zero fields match everything.
type ToolCallFilter struct {
	UserID string
	Tool   string
	Status string
	Since  time.Time
	Limit  int
}

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(timestampLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
