// Package config loads and validates the proxy configuration.
//
// DESIGN: Every setting has a default (see Default). A YAML document only
// overrides what it names, so an empty file is a valid configuration.
// Loading order:
//  1. ${VAR} / ${VAR:-default} expansion of the raw YAML
//  2. YAML unmarshal over Default()
//  3. LLMIDDLER_* environment overrides
//  4. Validate()
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - monitoring.go: Logging, alert and metrics settings
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by the loader.
const (
	EnvConfigPath = "LLMIDDLER_CONFIG"
	EnvBackendURL = "LLMIDDLER_BACKEND_URL"
	EnvLogLevel   = "LLMIDDLER_LOG_LEVEL"
	EnvPort       = "LLMIDDLER_PORT"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "config.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration for LLMiddler.
type Config struct {
	Backend BackendConfig `yaml:"backend"` // Upstream LLM server
	Listen  ListenConfig  `yaml:"listen"`  // Bind address
	Server  ServerConfig  `yaml:"server"`  // HTTP server limits
	UI      UIConfig      `yaml:"ui"`      // Inspection UI
	History HistoryConfig `yaml:"history"` // Exchange history
	Logging LoggingConfig `yaml:"logging"` // zerolog settings
	Alerts  AlertsConfig  `yaml:"alerts"`  // Alert thresholds
	Metrics MetricsConfig `yaml:"metrics"` // Prometheus collector
}

// BackendConfig describes the single upstream.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`        // Scheme, host and optional port (and path prefix)
	Timeout        time.Duration `yaml:"timeout"`         // End-to-end per call, 0 disables
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // TCP dial timeout
	VerifySSL      bool          `yaml:"verify_ssl"`      // Verify upstream TLS certificates
}

// ListenConfig is where the proxy accepts connections.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ReadTimeout time.Duration `yaml:"read_timeout"`  // Max time to read request headers and body
	IdleTimeout time.Duration `yaml:"idle_timeout"`  // Keep-alive idle timeout
	MaxBodySize int64         `yaml:"max_body_size"` // Max inbound body in bytes
}

// UIConfig configures the inspection UI.
type UIConfig struct {
	Prefix       string `yaml:"prefix"`        // Path prefix reserved for the UI, never proxied
	RedirectRoot bool   `yaml:"redirect_root"` // GET / redirects to the UI
	RateLimit    int    `yaml:"rate_limit"`    // UI requests per second per client IP, 0 disables
}

// HistoryConfig configures the exchange history.
type HistoryConfig struct {
	Capacity int `yaml:"capacity"` // Max retained exchanges
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:1234",
			Timeout:        120 * time.Second,
			ConnectTimeout: 10 * time.Second,
			VerifySSL:      true,
		},
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Server: ServerConfig{
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
			MaxBodySize: 50 << 20,
		},
		UI: UIConfig{
			Prefix:       "/_ui",
			RedirectRoot: true,
			RateLimit:    50,
		},
		History: HistoryConfig{
			Capacity: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Alerts: AlertsConfig{
			HighLatencyThreshold: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "llmiddler",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// ResolvePath picks the config file: explicit path, then $LLMIDDLER_CONFIG,
// then config.yaml in the working directory. It returns "" when none of the
// implicit candidates exists; an explicit path is returned as is.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies LLMIDDLER_* environment variables on top of the file.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(EnvBackendURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalid, EnvPort, v)
		}
		c.Listen.Port = port
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := c.BackendURL(); err != nil {
		return err
	}
	if c.Backend.Timeout < 0 {
		return invalid("backend.timeout must not be negative")
	}
	if c.Backend.ConnectTimeout < 0 {
		return invalid("backend.connect_timeout must not be negative")
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return invalid("invalid listen.port: %d (must be 1-65535)", c.Listen.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.IdleTimeout < 0 {
		return invalid("server timeouts must not be negative")
	}
	if c.Server.MaxBodySize < 0 {
		return invalid("server.max_body_size must not be negative")
	}

	prefix := strings.TrimRight(c.UI.Prefix, "/")
	if !strings.HasPrefix(c.UI.Prefix, "/") || prefix == "" {
		return invalid("ui.prefix must start with '/' and not be the root: %q", c.UI.Prefix)
	}
	c.UI.Prefix = prefix
	if c.UI.RateLimit < 0 {
		return invalid("ui.rate_limit must not be negative")
	}

	if c.History.Capacity < 1 {
		return invalid("history.capacity must be at least 1, got %d", c.History.Capacity)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Alerts.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

// BackendURL parses backend.base_url. Only http and https are accepted.
func (c *Config) BackendURL() (*url.URL, error) {
	raw := strings.TrimSpace(c.Backend.BaseURL)
	if raw == "" {
		return nil, invalid("backend.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalid("backend.base_url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, invalid("backend.base_url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, invalid("backend.base_url %q: missing host", raw)
	}
	return u, nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen.Host, strconv.Itoa(c.Listen.Port))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
