package cli

import (
	"github.com/spf13/cobra"

	"github.com/jomapps/mcp-story-bible-service/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand builds the storybible command tree.
func NewRootCommand() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "storybible",
		Short:         "Story bible tool service for narrative projects",
		Long:          "storybible serves story bible tools over a websocket dispatch channel, a REST API and MCP stdio.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", config.DefaultConfigPath, "config file path")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newStdioCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

func Execute() error {
	return NewRootCommand().Execute()
}

// loadConfig reads the config file named by --config. The file is only
// required when the flag was given explicitly.
func loadConfig(cmd *cobra.Command, flags *GlobalFlags, overrides *config.Overrides, skipValidate bool) (*config.Config, error) {
	if overrides == nil {
		overrides = &config.Overrides{}
	}
	if flags.LogLevel != "" {
		overrides.LogLevel = &flags.LogLevel
	}
	if flags.LogFormat != "" {
		overrides.LogFormat = &flags.LogFormat
	}
	return config.Load(config.Options{
		ConfigPath:   flags.ConfigPath,
		Required:     cmd.Flags().Changed("config"),
		SkipValidate: skipValidate,
		Overrides:    overrides,
	})
}
