// Package api serves the REST façade, health probes and the dispatch
// websocket over one HTTP listener.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jomapps/mcp-story-bible-service/internal/auth"
	"github.com/jomapps/mcp-story-bible-service/internal/db"
	"github.com/jomapps/mcp-story-bible-service/internal/storybible"
)

const maxBodyBytes = 1 << 20

type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

type ToolCallLister interface {
	List(ctx context.Context, filter db.ToolCallFilter) ([]*db.ToolCall, error)
}

type Options struct {
	Service   *storybible.Service
	Verifier  Verifier
	ToolCalls ToolCallLister
	// WebSocket serves the dispatch channel at /mcp/ws. It authenticates
	// its own connections.
	WebSocket http.Handler
	// BridgeMode reports how the reasoning service is reached.
	BridgeMode func() string
	// Checks run on /health/ready. Any failure makes the service unready.
	Checks  map[string]func(context.Context) error
	Version string
	Logger  *slog.Logger
}

type handler struct {
	svc        *storybible.Service
	toolCalls  ToolCallLister
	bridgeMode func() string
	checks     map[string]func(context.Context) error
	version    string
	logger     *slog.Logger
}

func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{
		svc:        opts.Service,
		toolCalls:  opts.ToolCalls,
		bridgeMode: opts.BridgeMode,
		checks:     opts.Checks,
		version:    opts.Version,
		logger:     opts.Logger,
	}

	v1 := http.NewServeMux()
	v1.HandleFunc("GET /api/v1/story-bibles", h.listStoryBibles)
	v1.HandleFunc("POST /api/v1/story-bibles", h.createStoryBible)
	v1.HandleFunc("GET /api/v1/story-bibles/{id}", h.getStoryBible)
	v1.HandleFunc("PATCH /api/v1/story-bibles/{id}", h.updateStoryBible)
	v1.HandleFunc("DELETE /api/v1/story-bibles/{id}", h.deleteStoryBible)

	v1.HandleFunc("POST /api/v1/story-bibles/{id}/characters", h.addCharacter)
	v1.HandleFunc("PATCH /api/v1/story-bibles/{id}/characters/{characterID}", h.updateCharacter)
	v1.HandleFunc("POST /api/v1/story-bibles/{id}/characters/{characterID}/arc", h.generateCharacterArc)

	v1.HandleFunc("POST /api/v1/story-bibles/{id}/scenes", h.addScene)
	v1.HandleFunc("PATCH /api/v1/story-bibles/{id}/scenes/{sceneID}", h.updateScene)
	v1.HandleFunc("POST /api/v1/story-bibles/{id}/scenes/{sceneID}/transitions", h.suggestSceneTransitions)

	v1.HandleFunc("POST /api/v1/story-bibles/{id}/plot-threads", h.createPlotThread)
	v1.HandleFunc("PATCH /api/v1/story-bibles/{id}/plot-threads/{threadID}", h.updatePlotThread)

	v1.HandleFunc("POST /api/v1/story-bibles/{id}/outline", h.createOutline)
	v1.HandleFunc("POST /api/v1/story-bibles/{id}/consistency", h.validateConsistency)
	v1.HandleFunc("GET /api/v1/story-bibles/{id}/export", h.exportStoryBible)
	v1.HandleFunc("POST /api/v1/story-bibles/{id}/changes", h.trackChange)

	v1.HandleFunc("GET /api/v1/tool-calls", h.listToolCalls)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", authMiddleware(opts.Verifier, opts.Logger)(v1))
	mux.HandleFunc("GET /health/live", h.live)
	mux.HandleFunc("GET /health/ready", h.ready)
	mux.HandleFunc("GET /{$}", h.root)
	if opts.WebSocket != nil {
		mux.Handle("/mcp/ws", opts.WebSocket)
	}

	return corsMiddleware(mux)
}

// authMiddleware resolves the bearer credential to an identity and stores
// it on the request context.
func authMiddleware(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := auth.ParseBearer(r.Header.Get("Authorization"))
			if !ok {
				jsonError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if verifier == nil {
				jsonError(w, http.StatusServiceUnavailable, "authentication is not configured")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrUnavailable) {
					logger.Warn("identity service unavailable", "path", r.URL.Path, "error", err)
					jsonError(w, http.StatusBadGateway, "authentication service unavailable")
					return
				}
				jsonError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeObject reads a JSON object body. An empty body decodes to an empty
// object when optional is set.
func decodeObject(r *http.Request, optional bool) (map[string]any, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	if strings.TrimSpace(string(raw)) == "" {
		if optional {
			return map[string]any{}, nil
		}
		return nil, errBodyRequired
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return nil, errBodyNotObject
	}
	return out, nil
}
