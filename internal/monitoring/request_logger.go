// Package monitoring - request_logger.go logs the exchange lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:  Request received from client
//   - LogOutgoing:  Request forwarded to the backend
//   - LogResponse:  Upstream answered (status, classification)
//   - LogStreamEnd: Streamed relay finished (bytes, usage)
//   - LogPayload:   Body preview, only when verbose payloads are on
package monitoring

import (
	"net/http"
	"time"
	"unicode/utf8"
)

// payloadPreviewLimit bounds body previews in verbose mode.
const payloadPreviewLimit = 2048

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger          *Logger
	verbosePayloads bool
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger, verbosePayloads bool) *RequestLogger {
	return &RequestLogger{logger: logger, verbosePayloads: verbosePayloads}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	ExchangeID string
	Method     string
	Path       string
	RawQuery   string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID, exchangeID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		ExchangeID: exchangeID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("exchange_id", info.ExchangeID).
		Str("method", info.Method).
		Str("path", info.Path).
		Str("query", info.RawQuery).
		Str("remote", info.RemoteAddr).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// OutgoingRequestInfo contains outgoing request information.
type OutgoingRequestInfo struct {
	ExchangeID string
	TargetURL  string
	Method     string
	Host       string
	BodySize   int
}

// LogOutgoing logs an outgoing request.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	rl.logger.Debug().
		Str("exchange_id", info.ExchangeID).
		Str("method", info.Method).
		Str("target", info.TargetURL).
		Str("host", info.Host).
		Int("body_size", info.BodySize).
		Msg("outgoing")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	ExchangeID  string
	StatusCode  int
	ContentType string
	Streaming   bool
	Latency     time.Duration
}

// LogResponse logs an upstream response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("exchange_id", info.ExchangeID).
		Int("status", info.StatusCode).
		Str("content_type", info.ContentType).
		Bool("streaming", info.Streaming).
		Dur("latency", info.Latency).
		Msg("response")
}

// LogStreamEnd logs the end of a streamed relay.
func (rl *RequestLogger) LogStreamEnd(outcome *ExchangeOutcome) {
	event := rl.logger.Debug().
		Str("exchange_id", outcome.ExchangeID).
		Str("status", outcome.Status).
		Int("bytes", outcome.BytesRelayed).
		Dur("duration", outcome.Duration)
	if !outcome.Usage.IsZero() {
		event = event.
			Int64("prompt_tokens", outcome.Usage.PromptTokens).
			Int64("completion_tokens", outcome.Usage.CompletionTokens).
			Int64("total_tokens", outcome.Usage.TotalTokens)
	}
	event.Msg("stream_end")
}

// LogPayload logs a truncated body preview when verbose payloads are enabled.
func (rl *RequestLogger) LogPayload(exchangeID, direction string, body []byte) {
	if !rl.verbosePayloads || len(body) == 0 {
		return
	}
	rl.logger.Debug().
		Str("exchange_id", exchangeID).
		Str("direction", direction).
		Int("size", len(body)).
		Str("preview", Preview(body, payloadPreviewLimit)).
		Msg("payload")
}

// Preview returns at most limit bytes of body as text, cut on a rune boundary.
func Preview(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "..."
}
