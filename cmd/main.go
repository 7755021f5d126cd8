// Package main is the entry point for LLMiddler.
//
// LLMiddler sits between an LLM client and an OpenAI-compatible server and
// records every exchange for inspection in the browser.
//
// Usage:
//
//	# Start the proxy (default command)
//	llmiddler
//	llmiddler serve --config config.yaml --port 8080
//
//	# List captured sessions of a running instance
//	llmiddler sessions --url http://127.0.0.1:8080/_ui
//
//	# Show version information
//	llmiddler version
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/redteams-fr/LLMiddler/internal/config"
	"github.com/redteams-fr/LLMiddler/internal/monitoring"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}

	root := &cobra.Command{
		Use:   "llmiddler",
		Short: "Transparent recording proxy for LLM APIs",
		Long: `LLMiddler forwards every request to one OpenAI-compatible backend, unchanged,
and keeps the recent exchanges in memory for inspection under /_ui.

Without a subcommand it starts the proxy, exactly like "llmiddler serve".`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	addServeFlags(root, opts)

	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/llmiddler/.env first
	configEnv := filepath.Join(homeDir, ".config", "llmiddler", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env; godotenv never overrides variables already set
	_ = godotenv.Load()
}

// setupLogging installs the configured logger as the global zerolog logger.
func setupLogging(cfg *config.Config) *monitoring.Logger {
	return monitoring.Global(monitoring.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}
