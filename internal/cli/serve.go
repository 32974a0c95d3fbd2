package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jomapps/mcp-story-bible-service/internal/api"
	"github.com/jomapps/mcp-story-bible-service/internal/config"
	"github.com/jomapps/mcp-story-bible-service/internal/hub"
	"github.com/jomapps/mcp-story-bible-service/internal/registry"
	"github.com/jomapps/mcp-story-bible-service/internal/server"
	"github.com/jomapps/mcp-story-bible-service/internal/tools"
)

type serveFlags struct {
	host      string
	port      int
	auditPath string
	noAudit   bool
}

func newServeCmd(flags *GlobalFlags) *cobra.Command {
	sf := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket dispatch channel and REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags, sf)
		},
	}
	cmd.Flags().StringVar(&sf.host, "host", "", "listen host")
	cmd.Flags().IntVar(&sf.port, "port", 0, "listen port")
	cmd.Flags().StringVar(&sf.auditPath, "audit-path", "", "sqlite audit log path")
	cmd.Flags().BoolVar(&sf.noAudit, "no-audit", false, "disable the tool call audit log")
	return cmd
}

func (sf *serveFlags) overrides(cmd *cobra.Command) *config.Overrides {
	o := &config.Overrides{}
	if cmd.Flags().Changed("host") {
		o.Host = &sf.host
	}
	if cmd.Flags().Changed("port") {
		o.Port = &sf.port
	}
	if cmd.Flags().Changed("audit-path") {
		o.AuditPath = &sf.auditPath
	}
	if cmd.Flags().Changed("no-audit") {
		o.NoAudit = &sf.noAudit
	}
	return o
}

func runServe(cmd *cobra.Command, flags *GlobalFlags, sf *serveFlags) error {
	cfg, err := loadConfig(cmd, flags, sf.overrides(cmd), false)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	h := hub.New(hub.Options{
		Verifier: a.verifier,
		Registry: func() *registry.Registry { return tools.NewRegistry(a.service) },
		Recorder: a.recorder(),
		Logger:   logger,
	})
	go h.Run(ctx)

	checks := map[string]func(context.Context) error{}
	opts := api.Options{
		Service:    a.service,
		Verifier:   a.verifier,
		WebSocket:  http.HandlerFunc(h.HandleWebSocket),
		BridgeMode: a.brain.Mode,
		Checks:     checks,
		Version:    Version,
		Logger:     logger,
	}
	if a.audit != nil {
		checks["audit"] = a.audit.Ping
		opts.ToolCalls = a.toolCalls
	}

	logger.Info("story bible service configured",
		"addr", cfg.Addr(),
		"payloadcms", cfg.Payload.APIURL,
		"brain", cfg.Brain.URL,
		"bridge", a.brain.Mode(),
		"audit", cfg.Audit.Enabled,
	)
	return server.New(cfg.Addr(), api.NewRouter(opts), cfg.Server.ShutdownTimeout, logger).Start(ctx)
}
