// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
package monitoring

import (
	"io"
	"time"
)

// Failure kinds reported to alerts and metrics.
const (
	FailureTransport = "transport" // upstream unreachable before a response
	FailureStream    = "stream"    // upstream broke mid-stream
	FailureClient    = "client"    // caller went away mid-relay
)

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string    `yaml:"level"`  // trace, debug, info, warn, error
	Format string    `yaml:"format"` // json, console, or empty for auto
	Output string    `yaml:"output"` // stdout, stderr, or file path
	Writer io.Writer `yaml:"-"`      // overrides Output when set
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled         bool
	Namespace       string
	DurationBuckets []float64
}

// ExchangeOutcome summarizes a finalized exchange for metrics and logs.
type ExchangeOutcome struct {
	ExchangeID   string
	Status       string // completed, error
	StatusCode   int    // 0 when upstream never answered
	Streaming    bool
	Duration     time.Duration
	BytesRelayed int
	Usage        Usage
}

// Usage is the token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// IsZero reports whether no token counts were reported.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}
