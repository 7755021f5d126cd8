package ui

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	chromastyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/dustin/go-humanize"

	"github.com/redteams-fr/LLMiddler/internal/exchange"
	"github.com/redteams-fr/LLMiddler/internal/sse"
)

// listPage is the data of list.html.
type listPage struct {
	Prefix  string
	Backend string
	Version string
	List    SessionList
	Size    int
	Cap     int
}

// detailPage is the data of detail.html.
type detailPage struct {
	Prefix  string
	Backend string
	Version string
	Detail  SessionDetail
	Message *sse.Message // aggregated stream, nil for buffered responses
	ReqType string
	ResType string
}

func (s *Server) handleListPage(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "list.html", listPage{
		Prefix:  s.prefix,
		Backend: s.backend,
		Version: s.version,
		List:    s.buildList(),
		Size:    s.store.Len(),
		Cap:     s.store.Capacity(),
	})
}

func (s *Server) handleDetailPage(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	snap := ex.Snapshot()
	page := detailPage{
		Prefix:  s.prefix,
		Backend: s.backend,
		Version: s.version,
		Detail:  buildDetail(snap),
		ReqType: snap.RequestHeaders.Get("Content-Type"),
		ResType: snap.ResponseHeaders.Get("Content-Type"),
	}
	if snap.IsStreaming && len(snap.ResponseBody) > 0 {
		msg := sse.Aggregate(page.Detail.ResponseBodyRaw)
		page.Message = &msg
		// The reconstructed message is JSON regardless of the stream type.
		page.ResType = "application/json"
	}
	s.render(w, http.StatusOK, "detail.html", page)
}

func (s *Server) handleClearForm(w http.ResponseWriter, r *http.Request) {
	s.clear()
	http.Redirect(w, r, s.prefix+"/", http.StatusSeeOther)
}

// render executes a page into a buffer first so a template error never
// produces a half-written page.
func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("render failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) funcs() template.FuncMap {
	return template.FuncMap{
		"duration":  formatDuration,
		"clock":     func(t time.Time) string { return t.Local().Format("15:04:05") },
		"ago":       humanize.Time,
		"bytes":     func(n int) string { return humanize.IBytes(uint64(max(n, 0))) },
		"comma":     humanize.Comma,
		"highlight": highlight,
		"statusClass": func(st exchange.Status) string {
			return "st-" + string(st)
		},
		"codeClass": func(code *int) string {
			switch {
			case code == nil:
				return "code-none"
			case *code >= 500:
				return "code-5xx"
			case *code >= 400:
				return "code-4xx"
			default:
				return "code-ok"
			}
		},
		"deref": func(p *int) int {
			if p == nil {
				return 0
			}
			return *p
		},
		"sessionURL": func(id string) string { return s.prefix + "/sessions/" + id },
	}
}

// detectLexer maps Content-Type to a chroma lexer name.
func detectLexer(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "html"):
		return "html"
	case strings.Contains(ct, "xml"):
		return "xml"
	default:
		return "text"
	}
}

// highlight renders source as a highlighted <pre> block with inline styles.
// Unrecognized content falls back to an escaped plain block.
func highlight(source, contentType string) template.HTML {
	lexerName := detectLexer(contentType)
	if lexerName == "text" && looksLikeJSON(source) {
		lexerName = "json"
	}

	lexer := lexers.Get(lexerName)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromastyles.Get("github")
	if style == nil {
		style = chromastyles.Fallback
	}

	formatter := chromahtml.New(chromahtml.WithClasses(false), chromahtml.TabWidth(2))

	iterator, err := lexer.Tokenise(nil, source)
	if err != nil {
		return plainBlock(source)
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return plainBlock(source)
	}
	return template.HTML(buf.String()) //nolint:gosec // chroma escapes token values
}

func looksLikeJSON(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")
}

func plainBlock(source string) template.HTML {
	return template.HTML("<pre>" + template.HTMLEscapeString(source) + "</pre>") //nolint:gosec // escaped
}
