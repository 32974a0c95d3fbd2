package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jomapps/mcp-story-bible-service/internal/mcpserver"
	"github.com/jomapps/mcp-story-bible-service/internal/registry"
	"github.com/jomapps/mcp-story-bible-service/internal/tools"
)

const tokenEnv = "STORYBIBLE_TOKEN"

func newStdioCmd(flags *GlobalFlags) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve the story bible tools over MCP stdio",
		Long:  "stdio serves the tool catalogue to a local MCP client. The bearer token is verified once at startup and every call runs as that user.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv(tokenEnv)
			}
			return runStdio(cmd, flags, strings.TrimSpace(token))
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the calling user (default $"+tokenEnv+")")
	return cmd
}

func runStdio(cmd *cobra.Command, flags *GlobalFlags, token string) error {
	if token == "" {
		return errors.New("a token is required: pass --token or set " + tokenEnv)
	}
	cfg, err := loadConfig(cmd, flags, nil, false)
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	identity, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	call := &registry.Call{Identity: identity, ConnectionID: "stdio-" + uuid.NewString()}
	logger.Info("stdio session authenticated", "user", identity.ID, "conn", call.ConnectionID)

	srv, err := mcpserver.New(mcpserver.Options{
		Registry: tools.NewRegistry(a.service),
		Call:     call,
		Recorder: a.recorder(),
		Version:  Version,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	return srv.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}
