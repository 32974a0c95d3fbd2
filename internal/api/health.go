package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jomapps/mcp-story-bible-service/internal/db"
)

const readyCheckTimeout = 2 * time.Second

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{
		"service": "MCP Story Bible Service",
		"version": h.version,
		"status":  "operational",
		"endpoints": map[string]string{
			"health": "/health",
			"api":    "/api/v1",
			"mcp":    "/mcp/ws",
		},
	})
}

func (h *handler) live(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().Unix()})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":    "ready",
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	if h.bridgeMode != nil {
		body["bridge"] = h.bridgeMode()
	}
	jsonResponse(w, status, body)
}

// listToolCalls returns the caller's own dispatch history.
func (h *handler) listToolCalls(w http.ResponseWriter, r *http.Request) {
	if h.toolCalls == nil {
		jsonResponse(w, http.StatusOK, map[string]any{"tool_calls": []any{}})
		return
	}

	q := r.URL.Query()
	filter := db.ToolCallFilter{
		UserID: identityOf(r).ID,
		Tool:   strings.TrimSpace(q.Get("tool")),
		Status: strings.TrimSpace(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	calls, err := h.toolCalls.List(r.Context(), filter)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"tool_calls": calls})
}
