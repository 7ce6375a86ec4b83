package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/sandboxd/internal/config"
)

var (
	configPath   string
	dbPath       string
	logLevel     string
	fakeProvider bool

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Provision project sandboxes and stream agent sessions inside them",
	Long: `sandboxd creates a remote sandbox per project, walks it through setup
(runtime, tooling, dependencies, dev server) and runs coding-agent turns
inside it, streaming their output to connected clients.

Run 'sandboxd serve' for the HTTP and websocket API, or use the other
commands to drive a single project from the terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.Database.Path = dbPath
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
		}
		cfg = loaded

		logger, err = newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		logger.Debug("configuration loaded", "config", cfg.String())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SANDBOXD_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides database.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&fakeProvider, "fake-provider", false, "Use an in-memory sandbox provider (local development)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
