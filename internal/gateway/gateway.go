// Package gateway implements the transparent recording proxy.
//
// DESIGN: Every request that is not reserved for the inspection UI is
// forwarded to the single configured backend:
//  1. Read the inbound body and create a Pending exchange in the history
//  2. Build the upstream request (same method, path, query, body; Host rewritten)
//  3. Classify the response: text/event-stream is relayed chunk by chunk,
//     anything else is buffered
//  4. Finalize the exchange exactly once (Completed or Error)
//
// FILES: gateway.go (init, routing), forward.go (engine), headers.go (header
// policy), middleware.go (logging, recovery, UI hardening)
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redteams-fr/LLMiddler/internal/config"
	"github.com/redteams-fr/LLMiddler/internal/monitoring"
	"github.com/redteams-fr/LLMiddler/internal/store"
	"github.com/redteams-fr/LLMiddler/internal/ui"
)

const (
	HeaderRequestID     = "X-Request-ID"
	MaxRateLimitBuckets = 10000 // Prevent memory exhaustion
	relayBufferSize     = 4096
	maxIDAttempts       = 3
)

// Gateway is the recording reverse proxy.
type Gateway struct {
	config      *config.Config
	backend     *url.URL
	backendHost string
	store       store.Store
	httpClient  *http.Client
	server      *http.Server
	handler     http.Handler
	ui          http.Handler
	rateLimiter *rateLimiter
	version     string

	// Logging components
	logger        *monitoring.Logger
	requestLogger *monitoring.RequestLogger
	metrics       *monitoring.Collector
	alerts        *monitoring.AlertManager
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *monitoring.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithStore replaces the in-memory history.
func WithStore(st store.Store) Option {
	return func(g *Gateway) { g.store = st }
}

// WithVersion sets the version reported by the UI.
func WithVersion(version string) Option {
	return func(g *Gateway) { g.version = version }
}

// New creates a gateway from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	backend, err := cfg.BackendURL()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		backend:     backend,
		backendHost: BackendHost(backend),
		version:     "dev",
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.logger == nil {
		g.logger = monitoring.New(monitoring.LoggerConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
	}
	if g.store == nil {
		g.store = store.NewMemoryStore(cfg.History.Capacity)
	}

	g.requestLogger = monitoring.NewRequestLogger(g.logger, cfg.Logging.VerbosePayloads)
	g.alerts = monitoring.NewAlertManager(g.logger, monitoring.AlertConfig{
		HighLatencyThreshold: cfg.Alerts.HighLatencyThreshold,
	})
	g.metrics = monitoring.NewCollector(monitoring.MetricsConfig{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
	}, g.store.Len)
	if cfg.UI.RateLimit > 0 {
		g.rateLimiter = newRateLimiter(cfg.UI.RateLimit)
	}

	g.httpClient = newUpstreamClient(cfg.Backend)

	uiServer, err := ui.New(ui.Options{
		Store:   g.store,
		Prefix:  cfg.UI.Prefix,
		Backend: backend.String(),
		Version: g.version,
		Metrics: g.metricsHandler(),
		Logger:  g.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build ui: %w", err)
	}
	g.ui = g.security(g.rateLimit(uiServer))

	g.handler = g.panicRecovery(g.loggingMiddleware(http.HandlerFunc(g.route)))

	g.server = &http.Server{
		Addr:    cfg.Addr(),
		Handler: g.handler,
		// Only headers are bounded here; the body deadline is set per request
		// so a long stream never trips a connection-wide read deadline.
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	return g, nil
}

// newUpstreamClient builds the shared client for the backend. Redirects are
// returned to the caller untouched and compression is left to the endpoints.
func newUpstreamClient(cfg config.BackendConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifySSL, //nolint:gosec // opt-in via backend.verify_ssl
		},
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (g *Gateway) metricsHandler() http.Handler {
	if !g.metrics.Enabled() {
		return nil
	}
	return g.metrics.Handler()
}

// route sends UI paths to the UI and everything else to the backend.
// The standard mux is not used for proxied paths: it would clean and
// redirect paths the backend must see verbatim.
func (g *Gateway) route(w http.ResponseWriter, r *http.Request) {
	if g.isReserved(r.URL.Path) {
		g.ui.ServeHTTP(w, r)
		return
	}
	if g.config.UI.RedirectRoot && r.URL.Path == "/" && r.URL.RawQuery == "" &&
		(r.Method == http.MethodGet || r.Method == http.MethodHead) {
		http.Redirect(w, r, g.config.UI.Prefix+"/", http.StatusTemporaryRedirect)
		return
	}
	g.handleProxy(w, r)
}

// isReserved reports whether path belongs to the UI prefix.
func (g *Gateway) isReserved(path string) bool {
	prefix := g.config.UI.Prefix
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Start starts the gateway.
func (g *Gateway) Start() error {
	g.logger.Info().
		Str("addr", g.server.Addr).
		Str("backend", g.backend.String()).
		Str("ui", g.config.UI.Prefix+"/").
		Msg("gateway starting")
	return g.server.ListenAndServe()
}

// Handler returns the HTTP handler for testing purposes.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Store returns the exchange history.
func (g *Gateway) Store() store.Store {
	return g.store
}

// Shutdown gracefully shuts down the gateway. In-flight streams are given
// until ctx expires to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("gateway shutting down")
	if g.rateLimiter != nil {
		g.rateLimiter.stop()
	}
	err := g.server.Shutdown(ctx)
	g.httpClient.CloseIdleConnections()
	return err
}
