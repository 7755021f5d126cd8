// Monitoring configuration - logging, alerts and metrics.
//
// DESIGN: Logging (zerolog) is for operators; metrics (Prometheus) are for
// dashboards. Neither affects what is proxied or recorded.
package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level           string `yaml:"level"`            // trace, debug, info, warn, error
	Format          string `yaml:"format"`           // json, console, or empty for auto
	Output          string `yaml:"output"`           // stdout, stderr, or file path
	Quiet           bool   `yaml:"quiet"`            // Suppress the per-request access log
	VerbosePayloads bool   `yaml:"verbose_payloads"` // Log body previews at debug
}

// Validate checks the logging settings.
func (l *LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(l.Level)); err != nil || l.Level == "" {
		return invalid("unknown logging.level %q", l.Level)
	}
	switch l.Format {
	case "", "json", "console":
	default:
		return invalid("unknown logging.format %q (json, console)", l.Format)
	}
	return nil
}

// AlertsConfig contains alert thresholds.
type AlertsConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"` // 0 disables
}

// Validate checks the alert thresholds.
func (a *AlertsConfig) Validate() error {
	if a.HighLatencyThreshold < 0 {
		return invalid("alerts.high_latency_threshold must not be negative")
	}
	return nil
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Validate checks the metrics settings.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Namespace == "" {
		return invalid("metrics.namespace is required when metrics are enabled")
	}
	return nil
}
