package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/samsaffron/chatty/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	providerFlag string
	modelFlag    string
	logLevelFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Override provider (anthropic, openai, debug)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Override model for the active provider")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "chatty",
	Short: "Chat with an LLM that can run sandboxed shell commands",
	Long: `chatty streams chat responses from an LLM. With execution enabled the
model may run shell commands, each one approved by you and confined to a
sandboxed workspace when the host supports it.

Examples:
  chatty chat "what is in this directory?"
  chatty chat --continue 3f2a "and the largest file?"
  chatty list --filter deploy
  chatty show 3f2a
  chatty exec -- ls -la
  chatty config show`,
	Version:           Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

// loadConfig reads the configuration, applies command-line overrides and
// installs the logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(providerFlag, modelFlag)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if err := setupLogging(level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
