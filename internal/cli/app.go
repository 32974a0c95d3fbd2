package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jomapps/mcp-story-bible-service/internal/auth"
	"github.com/jomapps/mcp-story-bible-service/internal/brain"
	"github.com/jomapps/mcp-story-bible-service/internal/config"
	"github.com/jomapps/mcp-story-bible-service/internal/db"
	"github.com/jomapps/mcp-story-bible-service/internal/hub"
	"github.com/jomapps/mcp-story-bible-service/internal/payload"
	"github.com/jomapps/mcp-story-bible-service/internal/storybible"
)

// app owns the long-lived clients shared by serve and stdio.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	payload  *payload.Client
	verifier *auth.Verifier
	brain    *brain.Client
	service  *storybible.Service

	audit     *db.DB
	toolCalls *db.ToolCallRepo
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Audit.Enabled {
		audit, err := db.Open(ctx, cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.audit = audit
		a.toolCalls = audit.ToolCalls()
		if err := a.pruneAudit(ctx); err != nil {
			logger.Warn("audit retention prune failed", "error", err)
		}
	}

	a.payload = payload.New(payload.Options{
		BaseURL:    cfg.Payload.APIURL,
		APIKey:     cfg.Payload.APIKey,
		Timeout:    cfg.Payload.Timeout,
		MaxRetries: cfg.Payload.MaxRetries,
	})
	a.verifier = auth.NewVerifier(cfg.IdentityURL(), cfg.Auth.Timeout, nil)
	a.brain = brain.New(brain.Options{
		BaseURL: cfg.Brain.URL,
		WSURL:   cfg.Brain.WSURL,
		Timeout: cfg.Brain.Timeout,
	})
	a.brain.Connect(ctx)
	a.service = storybible.NewService(a.payload, a.brain, nil)
	return a, nil
}

func (a *app) pruneAudit(ctx context.Context) error {
	if a.cfg.Audit.Retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-a.cfg.Audit.Retention)
	n, err := a.toolCalls.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("pruned audit log", "deleted", n, "before", cutoff.UTC().Format(time.RFC3339))
	}
	return nil
}

// recorder returns nil when the audit log is disabled.
func (a *app) recorder() hub.CallRecorder {
	if a.toolCalls == nil {
		return nil
	}
	return auditRecorder{repo: a.toolCalls}
}

func (a *app) close() {
	if a.brain != nil {
		a.brain.Close()
	}
	if a.verifier != nil {
		a.verifier.Close()
	}
	if a.payload != nil {
		a.payload.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("close audit log", "error", err)
		}
	}
}

type auditRecorder struct {
	repo *db.ToolCallRepo
}

func (r auditRecorder) RecordCall(ctx context.Context, rec hub.CallRecord) error {
	status := db.ToolCallOK
	if rec.Status == hub.CallStatusError {
		status = db.ToolCallError
	}
	return r.repo.Create(ctx, &db.ToolCall{
		ConnectionID:  rec.ConnectionID,
		UserID:        rec.UserID,
		Tool:          rec.Tool,
		CorrelationID: rec.CorrelationID,
		Status:        status,
		Error:         rec.Error,
		StartedAt:     rec.StartedAt,
		Duration:      rec.Duration,
	})
}
