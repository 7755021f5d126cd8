package gateway_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redteams-fr/LLMiddler/internal/config"
	"github.com/redteams-fr/LLMiddler/internal/exchange"
	"github.com/redteams-fr/LLMiddler/internal/gateway"
	"github.com/redteams-fr/LLMiddler/internal/monitoring"
	"github.com/redteams-fr/LLMiddler/internal/sse"
	"github.com/redteams-fr/LLMiddler/internal/store"
)

// =============================================================================
// Helpers
// =============================================================================

func newGateway(t *testing.T, backendURL string, opts []gateway.Option, mutate ...func(*config.Config)) *gateway.Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.BaseURL = backendURL
	cfg.Logging.Quiet = true
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	opts = append([]gateway.Option{gateway.WithLogger(monitoring.Nop()), gateway.WithVersion("test")}, opts...)
	gw, err := gateway.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// startProxy runs the gateway in front of a backend handler.
func startProxy(t *testing.T, backend http.HandlerFunc, mutate ...func(*config.Config)) (*httptest.Server, *gateway.Gateway) {
	t.Helper()
	be := httptest.NewServer(backend)
	t.Cleanup(be.Close)

	gw := newGateway(t, be.URL, nil, mutate...)
	proxy := httptest.NewServer(gw.Handler())
	t.Cleanup(proxy.Close)
	return proxy, gw
}

// noRedirectClient returns responses exactly as the proxy sent them.
var noRedirectClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func only(t *testing.T, st store.Store) exchange.Snapshot {
	t.Helper()
	list := st.List()
	require.Len(t, list, 1)
	return list[0].Snapshot()
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// =============================================================================
// Buffered relay
// =============================================================================

func TestProxy_BufferedGet(t *testing.T) {
	proxy, gw := startProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, readAll(t, resp))
	assert.Empty(t, resp.Header.Get(gateway.HeaderRequestID), "proxied responses carry no extra headers")

	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusCompleted, snap.Status)
	assert.Equal(t, http.MethodGet, snap.Method)
	assert.Equal(t, "/v1/models", snap.Path)
	require.NotNil(t, snap.StatusCode)
	assert.Equal(t, 200, *snap.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(snap.ResponseBody))
	assert.False(t, snap.IsStreaming)
	assert.NotNil(t, snap.DurationMs)
	assert.Nil(t, snap.ErrorMessage)
}

func TestProxy_PostBodyForwarded(t *testing.T) {
	const payload = `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	proxy, gw := startProxy(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, payload, string(body))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`)
	})

	req, err := http.NewRequest(http.MethodPost, proxy.URL+"/v1/chat/completions", strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Content-Type", "application/json")

	resp, err := noRedirectClient.Do(req)
	require.NoError(t, err)
	readAll(t, resp)

	snap := only(t, gw.Store())
	assert.Equal(t, payload, string(snap.RequestBody))
	assert.Equal(t, "Bearer sk-test", snap.RequestHeaders.Get("Authorization"))
}

func TestProxy_UpstreamErrorStatusPassesThrough(t *testing.T) {
	proxy, gw := startProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"loading model"}`)
	})

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, `{"error":"loading model"}`, readAll(t, resp))

	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusCompleted, snap.Status)
	assert.Equal(t, 503, *snap.StatusCode)
}

func TestProxy_RedirectsNotFollowed(t *testing.T) {
	proxy, _ := startProxy(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
	require.NoError(t, err)
	readAll(t, resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

// =============================================================================
// Request fidelity
// =============================================================================

func TestProxy_PathAndQueryVerbatim(t *testing.T) {
	got := make(chan string, 1)
	proxy, gw := startProxy(t, func(w http.ResponseWriter, r *http.Request) {
		got <- r.RequestURI
	})

	const uri = "/v1/a%2Fb//c?x=1&y=%20&x=2"
	resp, err := noRedirectClient.Get(proxy.URL + uri)
	require.NoError(t, err)
	readAll(t, resp)

	assert.Equal(t, uri, <-got)
	snap := only(t, gw.Store())
	assert.Equal(t, "x=1&y=%20&x=2", snap.QueryString)
}

func TestProxy_BackendPathPrefix(t *testing.T) {
	got := make(chan string, 1)
	be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Path
	}))
	defer be.Close()

	gw := newGateway(t, be.URL+"/api/", nil)
	proxy := httptest.NewServer(gw.Handler())
	defer proxy.Close()

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
	require.NoError(t, err)
	readAll(t, resp)
	assert.Equal(t, "/api/v1/models", <-got)
}

func TestProxy_HostRewritten(t *testing.T) {
	host := make(chan string, 1)
	be := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host <- r.Host
	}))
	defer be.Close()

	gw := newGateway(t, be.URL, nil)
	proxy := httptest.NewServer(gw.Handler())
	defer proxy.Close()

	req, err := http.NewRequest(http.MethodGet, proxy.URL+"/v1/models", nil)
	require.NoError(t, err)
	req.Host = "client.example"

	resp, err := noRedirectClient.Do(req)
	require.NoError(t, err)
	readAll(t, resp)

	u, _ := url.Parse(be.URL)
	assert.Equal(t, u.Host, <-host)

	// The history keeps what the caller sent.
	snap := only(t, gw.Store())
	assert.Equal(t, "client.example", snap.RequestHeaders.Get("Host"))
}

func TestProxy_HopByHopStripped(t *testing.T) {
	proxy, gw := startProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		assert.Equal(t, "kept", r.Header.Get("X-Custom"))
		w.Header().Set("Proxy-Authenticate", "Basic")
		w.Header().Set("X-Backend", "yes")
	})

	req, err := http.NewRequest(http.MethodGet, proxy.URL+"/v1/models", nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Authorization", "Basic c2VjcmV0")
	req.Header.Set("X-Custom", "kept")

	resp, err := noRedirectClient.Do(req)
	require.NoError(t, err)
	readAll(t, resp)

	assert.Empty(t, resp.Header.Get("Proxy-Authenticate"))
	assert.Equal(t, "yes", resp.Header.Get("X-Backend"))

	snap := only(t, gw.Store())
	assert.Empty(t, snap.ResponseHeaders.Get("Proxy-Authenticate"))
	assert.Equal(t, "yes", snap.ResponseHeaders.Get("X-Backend"))
}

func TestProxy_BodyTooLarge(t *testing.T) {
	var hits atomic.Int32
	proxy, gw := startProxy(t, func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}, func(c *config.Config) { c.Server.MaxBodySize = 16 })

	resp, err := noRedirectClient.Post(proxy.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	body := readAll(t, resp)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "Proxy error: "))
	assert.Zero(t, hits.Load())

	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusError, snap.Status)
	assert.Nil(t, snap.StatusCode)
}

// =============================================================================
// Transport failures
// =============================================================================

func TestProxy_BackendUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	gw := newGateway(t, deadURL, nil)
	proxy := httptest.NewServer(gw.Handler())
	defer proxy.Close()

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
	require.NoError(t, err)
	body := readAll(t, resp)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "Proxy error: "), body)

	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusError, snap.Status)
	assert.Nil(t, snap.StatusCode)
	require.NotNil(t, snap.ErrorMessage)
	assert.NotEmpty(t, *snap.ErrorMessage)
	assert.NotNil(t, snap.DurationMs)
}

func TestProxy_BackendTimeout(t *testing.T) {
	proxy, gw := startProxy(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, func(c *config.Config) { c.Backend.Timeout = 50 * time.Millisecond })

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
	require.NoError(t, err)
	readAll(t, resp)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusError, snap.Status)
	assert.Contains(t, *snap.ErrorMessage, "deadline exceeded")
}

// =============================================================================
// Streaming relay
// =============================================================================

var streamChunks = []string{
	"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
	"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":2,\"total_tokens\":4}}\n\n",
	"data: [DONE]\n\n",
}

func TestProxy_Streaming(t *testing.T) {
	release := make(chan struct{})
	proxy, gw := startProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		_, _ = io.WriteString(w, streamChunks[0])
		flusher.Flush()
		<-release
		for _, c := range streamChunks[1:] {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	})

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/chat/completions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The first event arrives while the backend is still holding the rest.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(streamChunks[0], "\n"), line)

	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusPending, snap.Status)
	assert.True(t, snap.IsStreaming)

	close(release)
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(streamChunks, ""), line+string(rest))

	require.Eventually(t, func() bool {
		return gw.Store().List()[0].Status() != exchange.StatusPending
	}, 2*time.Second, 10*time.Millisecond)

	snap = only(t, gw.Store())
	assert.Equal(t, exchange.StatusCompleted, snap.Status)
	assert.Equal(t, strings.Join(streamChunks, ""), string(snap.ResponseBody))

	msg := sse.Aggregate(string(snap.ResponseBody))
	assert.Equal(t, "Hello", msg.Text)
	assert.JSONEq(t, `{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}`, string(msg.Usage))
}

func TestProxy_StreamInterrupted(t *testing.T) {
	proxy, gw := startProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, streamChunks[0])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	})

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/chat/completions")
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, streamChunks[0], string(got), "the caller keeps what was relayed")

	require.Eventually(t, func() bool {
		return gw.Store().List()[0].Status() != exchange.StatusPending
	}, 2*time.Second, 10*time.Millisecond)

	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusError, snap.Status)
	assert.Equal(t, 200, *snap.StatusCode)
	assert.Equal(t, streamChunks[0], string(snap.ResponseBody))
	require.NotNil(t, snap.ErrorMessage)
}

func TestProxy_CallerDisconnectMidStream(t *testing.T) {
	released := make(chan struct{})
	proxy, gw := startProxy(t, func(w http.ResponseWriter, r *http.Request) {
		defer close(released)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, streamChunks[0])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/chat/completions")
	require.NoError(t, err)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(streamChunks[0], "\n"), line)
	require.NoError(t, resp.Body.Close())

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("backend request was not cancelled after the caller left")
	}

	require.Eventually(t, func() bool {
		return gw.Store().List()[0].Status() != exchange.StatusPending
	}, 5*time.Second, 10*time.Millisecond)

	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusError, snap.Status)
	require.NotNil(t, snap.ErrorMessage)
	assert.True(t, strings.HasPrefix(*snap.ErrorMessage, "client disconnected"), *snap.ErrorMessage)
	assert.Equal(t, streamChunks[0], string(snap.ResponseBody))
	assert.NotNil(t, snap.DurationMs)
}

// =============================================================================
// In-flight visibility
// =============================================================================

func TestProxy_PendingVisibleDuringFlight(t *testing.T) {
	release := make(chan struct{})
	proxy, gw := startProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = io.WriteString(w, "done")
	})

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := noRedirectClient.Get(proxy.URL + "/v1/slow")
		if err == nil {
			done <- resp
		}
		close(done)
	}()

	require.Eventually(t, func() bool { return gw.Store().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := only(t, gw.Store())
	assert.Equal(t, exchange.StatusPending, snap.Status)
	assert.Nil(t, snap.StatusCode)
	assert.Nil(t, snap.DurationMs)

	close(release)
	resp, ok := <-done
	require.True(t, ok)
	assert.Equal(t, "done", readAll(t, resp))
	assert.Equal(t, exchange.StatusCompleted, only(t, gw.Store()).Status)
}

// =============================================================================
// Routing
// =============================================================================

func TestRouting_UIPrefixNotProxied(t *testing.T) {
	var hits atomic.Int32
	proxy, gw := startProxy(t, func(http.ResponseWriter, *http.Request) { hits.Add(1) })

	for _, path := range []string{"/_ui/", "/_ui/api/sessions", "/_ui/health", "/_ui/unknown"} {
		resp, err := noRedirectClient.Get(proxy.URL + path)
		require.NoError(t, err)
		readAll(t, resp)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"), path)
		assert.NotEmpty(t, resp.Header.Get(gateway.HeaderRequestID), path)
	}

	assert.Zero(t, hits.Load())
	assert.Zero(t, gw.Store().Len())
}

func TestRouting_PrefixLookalikeIsProxied(t *testing.T) {
	var hits atomic.Int32
	proxy, _ := startProxy(t, func(http.ResponseWriter, *http.Request) { hits.Add(1) })

	resp, err := noRedirectClient.Get(proxy.URL + "/_uix/models")
	require.NoError(t, err)
	readAll(t, resp)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouting_RootRedirect(t *testing.T) {
	var hits atomic.Int32
	proxy, _ := startProxy(t, func(http.ResponseWriter, *http.Request) { hits.Add(1) })

	resp, err := noRedirectClient.Get(proxy.URL + "/")
	require.NoError(t, err)
	readAll(t, resp)
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/_ui/", resp.Header.Get("Location"))

	// Anything but a plain GET of the root still reaches the backend.
	resp, err = noRedirectClient.Post(proxy.URL+"/", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	readAll(t, resp)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouting_RootRedirectDisabled(t *testing.T) {
	var hits atomic.Int32
	proxy, _ := startProxy(t, func(http.ResponseWriter, *http.Request) { hits.Add(1) },
		func(c *config.Config) { c.UI.RedirectRoot = false })

	resp, err := noRedirectClient.Get(proxy.URL + "/")
	require.NoError(t, err)
	readAll(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouting_UIRateLimited(t *testing.T) {
	proxy, _ := startProxy(t, func(http.ResponseWriter, *http.Request) {},
		func(c *config.Config) { c.UI.RateLimit = 2 })

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := noRedirectClient.Get(proxy.URL + "/_ui/health")
		require.NoError(t, err)
		readAll(t, resp)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)

	// Proxied traffic is never limited.
	for i := 0; i < 4; i++ {
		resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
		require.NoError(t, err)
		readAll(t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestUI_SeesProxiedExchange(t *testing.T) {
	proxy, _ := startProxy(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	})

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/chat/completions")
	require.NoError(t, err)
	readAll(t, resp)

	resp, err = noRedirectClient.Get(proxy.URL + "/_ui/api/sessions")
	require.NoError(t, err)
	var list struct {
		Sessions []struct {
			Path        string `json:"path"`
			TotalTokens int64  `json:"total_tokens"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(readAll(t, resp)), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "/v1/chat/completions", list.Sessions[0].Path)
	assert.Equal(t, int64(2), list.Sessions[0].TotalTokens)

	resp, err = noRedirectClient.Get(proxy.URL + "/_ui/metrics")
	require.NoError(t, err)
	metrics := readAll(t, resp)
	assert.Contains(t, metrics, `llmiddler_exchanges_total{status="completed",streaming="false"} 1`)
	assert.Contains(t, metrics, `llmiddler_history_size 1`)
}

// =============================================================================
// Recovery
// =============================================================================

// panicStore fails every insert.
type panicStore struct{ store.Store }

func (panicStore) Add(*exchange.Exchange) error { panic("boom") }

func TestPanicRecovery(t *testing.T) {
	be := httptest.NewServer(http.NotFoundHandler())
	defer be.Close()

	gw := newGateway(t, be.URL, []gateway.Option{gateway.WithStore(panicStore{store.NewMemoryStore(1)})})
	proxy := httptest.NewServer(gw.Handler())
	defer proxy.Close()

	resp, err := noRedirectClient.Get(proxy.URL + "/v1/models")
	require.NoError(t, err)
	body := readAll(t, resp)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "gateway_error")
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestShutdown_LogsThroughGatewayLogger(t *testing.T) {
	var global bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&global)
	t.Cleanup(func() { log.Logger = previous })

	var own bytes.Buffer
	logger := monitoring.New(monitoring.LoggerConfig{Level: "info", Format: "json", Writer: &own})
	gw := newGateway(t, "http://127.0.0.1:1", []gateway.Option{gateway.WithLogger(logger)})

	require.NoError(t, gw.Shutdown(context.Background()))
	assert.Contains(t, own.String(), "gateway shutting down")
	assert.Empty(t, global.String())
}
