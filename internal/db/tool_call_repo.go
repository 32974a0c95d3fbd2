package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ToolCallRepo struct {
	db *sql.DB
}

func NewToolCallRepo(db *sql.DB) *ToolCallRepo {
	return &ToolCallRepo{db: db}
}

func (r *ToolCallRepo) Create(ctx context.Context, call *ToolCall) error {
	if call == nil {
		return fmt.Errorf("tool call is required")
	}
	if strings.TrimSpace(call.Tool) == "" {
		return fmt.Errorf("tool call needs a tool name")
	}
	if call.ID == "" {
		call.ID = NewID()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = nowUTC()
	}
	if call.Status == "" {
		call.Status = ToolCallOK
	}
	call.DurationMS = call.Duration.Milliseconds()

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tool_calls (
	id, connection_id, user_id, tool, correlation_id, status, error, started_at, duration_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		call.ID,
		call.ConnectionID,
		call.UserID,
		call.Tool,
		call.CorrelationID,
		call.Status,
		call.Error,
		formatTimestamp(call.StartedAt),
		call.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to create tool call: %w", err)
	}
	return nil
}

func (r *ToolCallRepo) Get(ctx context.Context, id string) (*ToolCall, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, connection_id, user_id, tool, correlation_id, status, error, started_at, duration_ms
FROM tool_calls
WHERE id = ?
`, id)
	call, err := scanToolCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tool call %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return call, nil
}

// List returns matching calls, newest first.
func (r *ToolCallRepo) List(ctx context.Context, filter ToolCallFilter) ([]*ToolCall, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, filter.Tool)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTimestamp(filter.Since))
	}

	query := `
SELECT id, connection_id, user_id, tool, correlation_id, status, error, started_at, duration_ms
FROM tool_calls`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY started_at DESC, id DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	out := make([]*ToolCall, 0)
	for rows.Next() {
		call, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tool calls: %w", err)
	}
	return out, nil
}

func (r *ToolCallRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*ToolCall, error) {
	return r.List(ctx, ToolCallFilter{UserID: userID, Limit: limit})
}

// DeleteBefore prunes calls started before cutoff and reports how many
// rows went.
func (r *ToolCallRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE started_at < ?`, formatTimestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune tool calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned tool calls: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToolCall(s scanner) (*ToolCall, error) {
	var call ToolCall
	var startedAtRaw string
	if err := s.Scan(
		&call.ID,
		&call.ConnectionID,
		&call.UserID,
		&call.Tool,
		&call.CorrelationID,
		&call.Status,
		&call.Error,
		&startedAtRaw,
		&call.DurationMS,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tool call: %w", err)
	}
	startedAt, err := parseTimestamp(startedAtRaw)
	if err != nil {
		return nil, err
	}
	call.StartedAt = startedAt
	call.Duration = time.Duration(call.DurationMS) * time.Millisecond
	return &call, nil
}
