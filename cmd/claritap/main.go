package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/claritap/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "claritap",
	Short: "Extract Clari Copilot calls and call details as a Singer stream",
	Long: `claritap pulls calls and call details from the Clari Copilot API and
writes them as Singer SCHEMA, RECORD and STATE messages on stdout, or
publishes records to Kafka. Bookmarks are kept in a local SQLite store so
each sync only fetches calls modified since the previous one.

Examples:
  claritap sync
  claritap sync --streams calls --full-refresh
  claritap state set calls 2024-01-01T00:00:00Z
  claritap config set sink.type kafka`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	config.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setupLogging installs the default text logger on stderr. Stdout is
// reserved for Singer messages.
func setupLogging(cfg config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(requireSecrets bool) (config.Config, error) {
	load := config.LoadLocal
	if requireSecrets {
		load = config.Load
	}
	cfg, err := load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config from %s: %w", config.ConfigFilePath(), err)
	}
	return cfg, nil
}
