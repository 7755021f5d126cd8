// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:       Warn when an exchange exceeds the threshold
//   - FlagTransportFailure:  Error when the upstream cannot be reached
//   - FlagUpstreamError:     Warn on upstream 4xx/5xx responses
//   - FlagStreamInterrupted: Warn when a streamed relay stops early
//   - FlagPanic:             Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
// A zero threshold disables latency alerts.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	return &AlertManager{logger: logger, highLatencyThreshold: cfg.HighLatencyThreshold}
}

// FlagHighLatency logs when exchange latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(exchangeID string, latency time.Duration, path string) {
	if am.highLatencyThreshold <= 0 || latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("exchange_id", exchangeID).
		Dur("latency", latency).
		Dur("threshold", am.highLatencyThreshold).
		Str("path", path).
		Msg("high_latency")
}

// FlagTransportFailure logs an upstream connect/DNS/timeout failure.
func (am *AlertManager) FlagTransportFailure(exchangeID, targetURL string, err error) {
	am.logger.Error().
		Str("exchange_id", exchangeID).
		Str("target", targetURL).
		Err(err).
		Msg("upstream_unreachable")
}

// FlagUpstreamError logs an upstream error status.
func (am *AlertManager) FlagUpstreamError(exchangeID, path string, statusCode int) {
	if statusCode < 400 {
		return
	}
	am.logger.Warn().
		Str("exchange_id", exchangeID).
		Str("path", path).
		Int("status", statusCode).
		Msg("upstream_error_status")
}

// FlagStreamInterrupted logs a streamed relay that ended with an error.
func (am *AlertManager) FlagStreamInterrupted(exchangeID, kind string, bytesRelayed int, err error) {
	am.logger.Warn().
		Str("exchange_id", exchangeID).
		Str("kind", kind).
		Int("bytes_relayed", bytesRelayed).
		Err(err).
		Msg("stream_interrupted")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
