package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/redteams-fr/LLMiddler/internal/config"
	"github.com/redteams-fr/LLMiddler/internal/gateway"
	"github.com/redteams-fr/LLMiddler/internal/tui"
)

// shutdownTimeout bounds how long in-flight exchanges get on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	configPath string
	debug      bool
	port       int
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the recording proxy",
		Long: `Start the recording proxy.

The config file is taken from --config, then $LLMIDDLER_CONFIG, then
./config.yaml. When none exists the built-in defaults are used.

Examples:
  llmiddler serve
  llmiddler serve --config /etc/llmiddler/config.yaml
  llmiddler serve --port 9000 --debug`,
		Aliases: []string{"start"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	addServeFlags(cmd, opts)
	return cmd
}

func addServeFlags(cmd *cobra.Command, opts *serveOptions) {
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "override listen port")
}

// resolveServeConfig returns the raw config and where it came from:
// the resolved file when there is one, the embedded default otherwise.
func resolveServeConfig(explicit string) ([]byte, string, error) {
	path := config.ResolvePath(explicit)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read config %s: %w", path, err)
		}
		return data, path, nil
	}

	data, err := getEmbeddedConfig("config")
	if err != nil {
		return nil, "", fmt.Errorf("load embedded config: %w", err)
	}
	return data, "(embedded) config.yaml", nil
}

// loadServeConfig loads the config and applies command-line overrides.
func loadServeConfig(opts *serveOptions) (*config.Config, string, error) {
	data, source, err := resolveServeConfig(opts.configPath)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, source, fmt.Errorf("%s: %w", source, err)
	}

	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if opts.port != 0 {
		cfg.Listen.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, source, err
	}
	return cfg, source, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	loadEnvFiles()

	cfg, source, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	if tui.IsTerminal(os.Stdout) {
		tui.PrintBanner(os.Stdout, Version, cfg.Addr(), cfg.Backend.BaseURL, uiURL(cfg))
	}

	logger := setupLogging(cfg)
	logger.Info().
		Str("version", Version).
		Str("config", source).
		Str("backend", cfg.Backend.BaseURL).
		Int("history", cfg.History.Capacity).
		Msg("LLMiddler starting")

	gw, err := gateway.New(cfg, gateway.WithLogger(logger), gateway.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown error")
	}

	log.Info().Msg("LLMiddler stopped")
	return nil
}

// uiURL is the browser address of the UI. A wildcard listen host is shown
// as loopback.
func uiURL(cfg *config.Config) string {
	host := cfg.Listen.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Listen.Port)) + cfg.UI.Prefix + "/"
}
