// Package ui serves the inspection interface over the exchange history.
//
// DESIGN: Everything lives under one path prefix (default /_ui) that the
// gateway never forwards. The UI only reads the history, except for the
// clear action:
//
//	GET  {prefix}/                   session list (HTML)
//	GET  {prefix}/sessions/{id}      session detail (HTML)
//	POST {prefix}/sessions/clear     clear history, 303 back to the list
//	GET  {prefix}/api/sessions       session list (JSON)
//	DEL  {prefix}/api/sessions       clear history (JSON API)
//	GET  {prefix}/api/sessions/{id}  session detail (JSON)
//	GET  {prefix}/api/live           WebSocket feed of the session list
//	GET  {prefix}/health             liveness and history fill
//	GET  {prefix}/metrics            Prometheus exposition (when enabled)
//
// FILES: server.go (routes), view.go (view models), pages.go (HTML),
// api.go (JSON), live.go (WebSocket feed)
package ui

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/redteams-fr/LLMiddler/internal/monitoring"
	"github.com/redteams-fr/LLMiddler/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// DefaultLivePollInterval is how often the live feed checks for changes.
const DefaultLivePollInterval = time.Second

// Options configures the UI server.
type Options struct {
	Store            store.Store
	Prefix           string       // Path prefix, without trailing slash
	Backend          string       // Backend base URL shown in the header
	Version          string       // Build version shown in the footer
	Metrics          http.Handler // Mounted at {prefix}/metrics when non-nil
	Logger           *monitoring.Logger
	LivePollInterval time.Duration
}

// Server is the UI handler.
type Server struct {
	store        store.Store
	prefix       string
	backend      string
	version      string
	logger       *monitoring.Logger
	pollInterval time.Duration
	started      time.Time
	facts        *factCache
	pages        *template.Template
	mux          *http.ServeMux
}

// New builds the UI handler.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ui: store is required")
	}
	prefix := strings.TrimRight(opts.Prefix, "/")
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("ui: invalid prefix %q", opts.Prefix)
	}

	s := &Server{
		store:        opts.Store,
		prefix:       prefix,
		backend:      opts.Backend,
		version:      opts.Version,
		logger:       opts.Logger,
		pollInterval: opts.LivePollInterval,
		started:      time.Now(),
		facts:        newFactCache(),
		mux:          http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = monitoring.Nop()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultLivePollInterval
	}

	pages, err := template.New("ui").Funcs(s.funcs()).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("ui: parse templates: %w", err)
	}
	s.pages = pages

	p := s.prefix
	s.mux.HandleFunc("GET "+p, s.handleBare)
	s.mux.HandleFunc("GET "+p+"/{$}", s.handleListPage)
	s.mux.HandleFunc("GET "+p+"/sessions/{id}", s.handleDetailPage)
	s.mux.HandleFunc("POST "+p+"/sessions/clear", s.handleClearForm)
	s.mux.HandleFunc("GET "+p+"/api/sessions", s.handleListAPI)
	s.mux.HandleFunc("DELETE "+p+"/api/sessions", s.handleClearAPI)
	s.mux.HandleFunc("GET "+p+"/api/sessions/{id}", s.handleDetailAPI)
	s.mux.HandleFunc("GET "+p+"/api/live", s.handleLive)
	s.mux.HandleFunc("GET "+p+"/health", s.handleHealth)
	if opts.Metrics != nil {
		s.mux.Handle("GET "+p+"/metrics", opts.Metrics)
	}

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleBare redirects the prefix without its trailing slash to the list.
func (s *Server) handleBare(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.prefix+"/", http.StatusMovedPermanently)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"backend": s.backend,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"history": map[string]int{
			"size":     s.store.Len(),
			"capacity": s.store.Capacity(),
		},
	})
}
