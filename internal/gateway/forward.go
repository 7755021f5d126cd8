// Forwarding engine: one upstream attempt per inbound request, recorded as
// exactly one exchange.
//
// DESIGN: The handler goroutine owns its exchange. It is published to the
// history as Pending before dispatch so in-flight calls are visible, and is
// finalized exactly once:
//   - transport failure   -> Error, no status code, caller gets 502
//   - buffered response   -> Completed with the full body
//   - streamed response   -> Completed or Error with every byte the caller
//     actually received, finalized by a deferred step that also runs on panic
//
// No retries: a failed attempt is surfaced to the caller as is.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/redteams-fr/LLMiddler/internal/exchange"
	"github.com/redteams-fr/LLMiddler/internal/monitoring"
	"github.com/redteams-fr/LLMiddler/internal/sse"
	"github.com/redteams-fr/LLMiddler/internal/store"
)

// eventStreamType marks a response that is relayed incrementally.
const eventStreamType = "text/event-stream"

// handleProxy forwards one request to the backend and records it.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	requestID := monitoring.RequestIDFromContext(r.Context())

	body, readErr := g.readBody(w, r)
	ex := g.record(exchange.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryString: r.URL.RawQuery,
		Headers:     InboundHeaders(r),
		Body:        body,
	})

	g.requestLogger.LogIncoming(monitoring.NewRequestInfo(r, requestID, ex.ID(), len(body)))
	g.requestLogger.LogPayload(ex.ID(), "request", body)

	if readErr != nil {
		ex.Fail(fmt.Errorf("read request body: %w", readErr))
		g.finalize(ex, 0, monitoring.Usage{})
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(readErr, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, "Proxy error: "+readErr.Error(), status)
		return
	}

	ctx := r.Context()
	if g.config.Backend.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Backend.Timeout)
		defer cancel()
	}

	target := g.targetURL(r)
	upReq, err := g.newUpstreamRequest(ctx, r, target, body)
	if err != nil {
		g.failTransport(w, ex, target, err)
		return
	}

	g.requestLogger.LogOutgoing(&monitoring.OutgoingRequestInfo{
		ExchangeID: ex.ID(),
		TargetURL:  target,
		Method:     upReq.Method,
		Host:       upReq.Host,
		BodySize:   len(body),
	})

	resp, err := g.httpClient.Do(upReq)
	if err != nil {
		g.failTransport(w, ex, target, err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	streaming := isEventStream(contentType)
	headers := StripHopByHop(resp.Header)
	ex.SetResponse(resp.StatusCode, headers)

	g.requestLogger.LogResponse(&monitoring.ResponseInfo{
		ExchangeID:  ex.ID(),
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Streaming:   streaming,
		Latency:     time.Since(ex.CreatedAt()),
	})
	g.alerts.FlagUpstreamError(ex.ID(), r.URL.Path, resp.StatusCode)

	if streaming {
		ex.MarkStreaming()
		g.relayStream(w, r, resp, ex, headers)
		return
	}
	g.relayBuffered(w, resp, ex, headers, target)
}

// readBody reads the full inbound body within the configured size and time
// limits. The read deadline is cleared afterwards so relays are unbounded.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	rc := http.NewResponseController(w)
	if d := g.config.Server.ReadTimeout; d > 0 {
		_ = rc.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = rc.SetReadDeadline(time.Time{}) }()
	}

	reader := io.Reader(r.Body)
	if limit := g.config.Server.MaxBodySize; limit > 0 {
		reader = http.MaxBytesReader(w, r.Body, limit)
	}
	return io.ReadAll(reader)
}

// record creates the exchange and publishes it to the history.
func (g *Gateway) record(req exchange.Request) *exchange.Exchange {
	var ex *exchange.Exchange
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		ex = exchange.New(req)
		err := g.store.Add(ex)
		if err == nil {
			return ex
		}
		if !errors.Is(err, store.ErrDuplicateID) {
			break
		}
	}
	g.logger.Warn().Str("exchange_id", ex.ID()).Msg("exchange not stored")
	return ex
}

// targetURL joins the backend base with the request URI exactly as received.
func (g *Gateway) targetURL(r *http.Request) string {
	uri := r.RequestURI
	if !strings.HasPrefix(uri, "/") {
		uri = r.URL.RequestURI()
	}
	return strings.TrimSuffix(g.config.Backend.BaseURL, "/") + uri
}

func (g *Gateway) newUpstreamRequest(ctx context.Context, r *http.Request, target string, body []byte) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	upReq, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		return nil, err
	}

	headers := PrepareUpstreamHeaders(r.Header, g.backendHost)
	upReq.Host = headers.Get("Host")
	headers.Del("Host")
	if _, ok := headers["User-Agent"]; !ok {
		// Stop the transport from adding its own.
		headers.Set("User-Agent", "")
	}
	upReq.Header = headers
	return upReq, nil
}

// failTransport handles a failure before any response header was received.
func (g *Gateway) failTransport(w http.ResponseWriter, ex *exchange.Exchange, target string, err error) {
	ex.Fail(err)
	g.alerts.FlagTransportFailure(ex.ID(), target, err)
	g.metrics.RecordFailure(monitoring.FailureTransport)
	g.finalize(ex, 0, monitoring.Usage{})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = io.WriteString(w, "Proxy error: "+err.Error())
}

// relayBuffered reads the whole upstream body, records it, then replies.
func (g *Gateway) relayBuffered(w http.ResponseWriter, resp *http.Response, ex *exchange.Exchange, headers http.Header, target string) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		g.failTransport(w, ex, target, fmt.Errorf("read upstream body: %w", err))
		return
	}

	ex.Complete(body)
	g.requestLogger.LogPayload(ex.ID(), "response", body)
	g.finalize(ex, len(body), extractUsage(body))

	copyHeaders(w, headers)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		g.logger.Debug().Err(err).Str("exchange_id", ex.ID()).Msg("client disconnected")
	}
}

// relayStream forwards upstream chunks as they arrive. Each chunk is
// recorded only after the caller accepted it.
func (g *Gateway) relayStream(w http.ResponseWriter, r *http.Request, resp *http.Response, ex *exchange.Exchange, headers http.Header) {
	var (
		relayed  int
		relayErr error
		kind     string
		agg      sse.Aggregator
	)

	defer func() {
		_ = resp.Body.Close()
		if p := recover(); p != nil {
			ex.Finish(fmt.Errorf("panic during relay: %v", p))
			g.finalize(ex, relayed, monitoring.Usage{})
			panic(p)
		}

		agg.Flush()
		usage := usageFromJSON(string(agg.Result().Usage))
		ex.Finish(relayErr)
		if relayErr != nil {
			g.alerts.FlagStreamInterrupted(ex.ID(), kind, relayed, relayErr)
			g.metrics.RecordFailure(kind)
		}
		outcome := g.finalize(ex, relayed, usage)
		g.requestLogger.LogStreamEnd(outcome)
	}()

	copyHeaders(w, headers)
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	buf := make([]byte, relayBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				relayErr = fmt.Errorf("client disconnected: %w", werr)
				kind = monitoring.FailureClient
				return
			}
			if canFlush {
				flusher.Flush()
			}
			ex.AppendResponseBody(chunk)
			_, _ = agg.Write(chunk)
			relayed += n
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		relayErr = err
		kind = monitoring.FailureStream
		if cerr := r.Context().Err(); cerr != nil {
			relayErr = fmt.Errorf("client disconnected: %w", cerr)
			kind = monitoring.FailureClient
		}
		return
	}
}

// finalize reports a terminal exchange to metrics and alerts.
func (g *Gateway) finalize(ex *exchange.Exchange, relayed int, usage monitoring.Usage) *monitoring.ExchangeOutcome {
	snap := ex.Summary()
	outcome := &monitoring.ExchangeOutcome{
		ExchangeID:   ex.ID(),
		Status:       string(snap.Status),
		Streaming:    snap.IsStreaming,
		BytesRelayed: relayed,
		Usage:        usage,
	}
	if snap.StatusCode != nil {
		outcome.StatusCode = *snap.StatusCode
	}
	if snap.DurationMs != nil {
		outcome.Duration = time.Duration(*snap.DurationMs * float64(time.Millisecond))
	}

	g.metrics.RecordExchange(outcome)
	g.alerts.FlagHighLatency(ex.ID(), outcome.Duration, snap.Path)
	return outcome
}

// copyHeaders copies HTTP headers from source to destination.
func copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, v := range src {
		w.Header()[k] = v
	}
}

func isEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), eventStreamType)
}

// extractUsage reads the usage object of a buffered completion body.
func extractUsage(body []byte) monitoring.Usage {
	if !gjson.ValidBytes(body) {
		return monitoring.Usage{}
	}
	return usageFromJSON(gjson.GetBytes(body, "usage").Raw)
}

func usageFromJSON(raw string) monitoring.Usage {
	usage := gjson.Parse(raw)
	if !usage.IsObject() {
		return monitoring.Usage{}
	}
	return monitoring.Usage{
		PromptTokens:     usage.Get("prompt_tokens").Int(),
		CompletionTokens: usage.Get("completion_tokens").Int(),
		TotalTokens:      usage.Get("total_tokens").Int(),
	}
}
