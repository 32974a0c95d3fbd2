// Package mcpserver exposes the story bible tool registry over MCP stdio.
//
// The stdio transport serves a single local client, so the caller's
// identity is verified once at startup and shared by every call.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jomapps/mcp-story-bible-service/internal/hub"
	"github.com/jomapps/mcp-story-bible-service/internal/registry"
	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

const serverName = "story-bible"

type Options struct {
	Registry *registry.Registry
	Call     *registry.Call
	Recorder hub.CallRecorder
	Version  string
	Logger   *slog.Logger
}

type Server struct {
	mcp      *server.MCPServer
	reg      *registry.Registry
	call     *registry.Call
	recorder hub.CallRecorder
	logger   *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("mcpserver: registry is required")
	}
	if opts.Call == nil {
		opts.Call = &registry.Call{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		mcp: server.NewMCPServer(
			serverName,
			opts.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		reg:      opts.Registry,
		call:     opts.Call,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
	for _, info := range opts.Registry.List() {
		schema, err := json.Marshal(info.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("mcpserver: schema for %s: %w", info.Name, err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(info.Name, info.Description, schema), s.handle)
	}
	return s, nil
}

// MCP returns the underlying server, mainly for in-process use.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve reads JSON-RPC messages from in and writes responses to out until
// ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, in, out)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.Params.Name
	started := time.Now()
	result, err := s.reg.Invoke(ctx, s.call, name, req.GetArguments())
	s.record(ctx, name, started, err)

	if err != nil {
		return mcp.NewToolResultError(s.errorMessage(name, err)), nil
	}
	body, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("encode tool result", "tool", name, "error", err)
		return mcp.NewToolResultError("internal error"), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

func (s *Server) errorMessage(tool string, err error) string {
	attrs := []any{"user", s.call.Identity.ID, "tool", tool, "error", err}
	switch {
	case errors.Is(err, registry.ErrUnknownTool):
		return fmt.Sprintf("Unknown tool %s", tool)
	case svcerr.IsService(err):
		s.logger.Info("tool call failed", append(attrs, "kind", svcerr.KindOf(err).String())...)
	default:
		s.logger.Error("tool call failed", attrs...)
	}
	return err.Error()
}

func (s *Server) record(ctx context.Context, tool string, started time.Time, err error) {
	if s.recorder == nil {
		return
	}
	rec := hub.CallRecord{
		ConnectionID: s.call.ConnectionID,
		UserID:       s.call.Identity.ID,
		Tool:         tool,
		Status:       hub.CallStatusOK,
		StartedAt:    started,
		Duration:     time.Since(started),
	}
	if err != nil {
		rec.Status = hub.CallStatusError
		rec.Error = err.Error()
	}
	if rerr := s.recorder.RecordCall(context.WithoutCancel(ctx), rec); rerr != nil {
		s.logger.Warn("record tool call", "tool", tool, "error", rerr)
	}
}
