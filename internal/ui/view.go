package ui

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/redteams-fr/LLMiddler/internal/exchange"
	"github.com/redteams-fr/LLMiddler/internal/sse"
)

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID           string          `json:"id"`
	Status       exchange.Status `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	QueryString  string          `json:"query_string"`
	StatusCode   *int            `json:"status_code"`
	DurationMs   *float64        `json:"duration_ms"`
	IsStreaming  bool            `json:"is_streaming"`
	HasToolCalls bool            `json:"has_tool_calls"`
	TotalTokens  *int64          `json:"total_tokens"`
	ResponseSize int             `json:"response_size"`
}

// Totals sums token usage over the listed sessions.
type Totals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// SessionList is the payload of the list API and the live feed.
type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
	Totals   Totals           `json:"totals"`
}

// SessionDetail is the payload of the detail API.
type SessionDetail struct {
	ID              string              `json:"id"`
	Status          exchange.Status     `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	Method          string              `json:"method"`
	Path            string              `json:"path"`
	QueryString     string              `json:"query_string"`
	StatusCode      *int                `json:"status_code"`
	DurationMs      *float64            `json:"duration_ms"`
	ErrorMessage    *string             `json:"error_message"`
	IsStreaming     bool                `json:"is_streaming"`
	RequestHeaders  map[string][]string `json:"request_headers"`
	ResponseHeaders map[string][]string `json:"response_headers"`
	RequestBody     string              `json:"request_body"`
	ResponseBody    string              `json:"response_body"`
	ResponseBodyRaw string              `json:"response_body_raw"`
	ToolCalls       json.RawMessage     `json:"tool_calls"`
	Usage           json.RawMessage     `json:"usage"`
}

// bodyFacts are derived from a response body.
type bodyFacts struct {
	hasToolCalls bool
	usage        json.RawMessage
}

// factCache memoizes bodyFacts of terminal exchanges, whose bodies never change.
type factCache struct {
	mu    sync.Mutex
	facts map[string]bodyFacts
}

func newFactCache() *factCache {
	return &factCache{facts: make(map[string]bodyFacts)}
}

func (c *factCache) get(ex *exchange.Exchange) bodyFacts {
	c.mu.Lock()
	f, ok := c.facts[ex.ID()]
	c.mu.Unlock()
	if ok {
		return f
	}

	snap := ex.Snapshot()
	f = deriveFacts(snap.ResponseBody, snap.IsStreaming)
	if snap.Status != exchange.StatusPending {
		c.mu.Lock()
		c.facts[ex.ID()] = f
		c.mu.Unlock()
	}
	return f
}

// retain drops entries whose exchange left the history.
func (c *factCache) retain(live map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.facts {
		if _, ok := live[id]; !ok {
			delete(c.facts, id)
		}
	}
}

func deriveFacts(body []byte, streaming bool) bodyFacts {
	if len(body) == 0 {
		return bodyFacts{}
	}
	if streaming {
		return bodyFacts{
			hasToolCalls: strings.Contains(string(body), `"tool_calls"`),
			usage:        sse.Aggregate(string(body)).Usage,
		}
	}
	if !gjson.ValidBytes(body) {
		return bodyFacts{}
	}
	var f bodyFacts
	calls := gjson.GetBytes(body, "choices.0.message.tool_calls")
	f.hasToolCalls = calls.IsArray() && len(calls.Array()) > 0
	if usage := gjson.GetBytes(body, "usage"); usage.IsObject() && len(usage.Map()) > 0 {
		f.usage = json.RawMessage(usage.Raw)
	}
	return f
}

// buildList summarizes every listed exchange, newest first.
func (s *Server) buildList() SessionList {
	all := s.store.List()
	live := make(map[string]struct{}, len(all))
	list := SessionList{Sessions: make([]SessionSummary, 0, len(all))}

	for _, ex := range all {
		live[ex.ID()] = struct{}{}
		sum := ex.Summary()
		if s.hidden(sum.Path) {
			continue
		}

		facts := s.facts.get(ex)
		row := SessionSummary{
			ID:           sum.ID,
			Status:       sum.Status,
			CreatedAt:    sum.CreatedAt,
			Method:       sum.Method,
			Path:         sum.Path,
			QueryString:  sum.QueryString,
			StatusCode:   sum.StatusCode,
			DurationMs:   sum.DurationMs,
			IsStreaming:  sum.IsStreaming,
			HasToolCalls: facts.hasToolCalls,
			ResponseSize: sum.ResponseSize,
		}
		if len(facts.usage) > 0 {
			usage := gjson.ParseBytes(facts.usage)
			list.Totals.PromptTokens += usage.Get("prompt_tokens").Int()
			list.Totals.CompletionTokens += usage.Get("completion_tokens").Int()
			if total := usage.Get("total_tokens"); total.Exists() {
				n := total.Int()
				row.TotalTokens = &n
			}
		}
		list.Sessions = append(list.Sessions, row)
	}
	list.Totals.TotalTokens = list.Totals.PromptTokens + list.Totals.CompletionTokens

	s.facts.retain(live)
	return list
}

// hidden filters favicon probes and anything under the UI prefix.
func (s *Server) hidden(path string) bool {
	return strings.Contains(path, "favico") || strings.Contains(path, s.prefix)
}

// buildDetail renders the full view of one exchange.
func buildDetail(snap exchange.Snapshot) SessionDetail {
	d := SessionDetail{
		ID:              snap.ID,
		Status:          snap.Status,
		CreatedAt:       snap.CreatedAt,
		Method:          snap.Method,
		Path:            snap.Path,
		QueryString:     snap.QueryString,
		StatusCode:      snap.StatusCode,
		DurationMs:      snap.DurationMs,
		ErrorMessage:    snap.ErrorMessage,
		IsStreaming:     snap.IsStreaming,
		RequestHeaders:  snap.RequestHeaders,
		ResponseHeaders: snap.ResponseHeaders,
	}
	if len(snap.RequestBody) > 0 {
		d.RequestBody = prettyJSON(decodeBody(snap.RequestBody))
	}
	if len(snap.ResponseBody) == 0 {
		return d
	}

	decoded := decodeBody(snap.ResponseBody)
	d.ResponseBodyRaw = decoded

	if snap.IsStreaming {
		msg := sse.Aggregate(decoded)
		d.ResponseBody = reconstructMessage(msg)
		if len(msg.ToolCalls) > 0 {
			d.ToolCalls, _ = json.Marshal(msg.ToolCalls)
		}
		d.Usage = msg.Usage
		return d
	}

	d.ResponseBody = prettyJSON(decoded)
	if gjson.Valid(decoded) {
		if calls := gjson.Get(decoded, "choices.0.message.tool_calls"); calls.IsArray() && len(calls.Array()) > 0 {
			d.ToolCalls = json.RawMessage(calls.Raw)
		}
		if usage := gjson.Get(decoded, "usage"); usage.IsObject() && len(usage.Map()) > 0 {
			d.Usage = json.RawMessage(usage.Raw)
		}
	}
	return d
}

// reconstructMessage turns an aggregated stream into one pretty-printed
// chat message: {"message":{"role","content"?,"tool_calls"?},"usage"?}.
func reconstructMessage(msg sse.Message) string {
	out := `{"message":{"role":"assistant"}}`
	if msg.Text != "" {
		out, _ = sjson.Set(out, "message.content", msg.Text)
	}
	if len(msg.ToolCalls) > 0 {
		out, _ = sjson.Set(out, "message.tool_calls", msg.ToolCalls)
	}
	if len(msg.Usage) > 0 {
		out, _ = sjson.SetRaw(out, "usage", string(msg.Usage))
	}
	return prettyJSON(out)
}

// decodeBody returns the body as text, or a placeholder for binary data.
func decodeBody(body []byte) string {
	if body == nil {
		return ""
	}
	if !utf8.Valid(body) {
		return fmt.Sprintf("[Binary data, %d bytes]", len(body))
	}
	return string(body)
}

// prettyJSON indents valid JSON and returns anything else unchanged.
func prettyJSON(s string) string {
	if !gjson.Valid(s) {
		return s
	}
	return strings.TrimRight(string(pretty.PrettyOptions([]byte(s), &pretty.Options{
		Width:    80,
		Prefix:   "",
		Indent:   "  ",
		SortKeys: false,
	})), "\n")
}

// formatDuration renders milliseconds the way the list shows them.
func formatDuration(ms *float64) string {
	if ms == nil {
		return "-"
	}
	if *ms >= 1000 {
		return fmt.Sprintf("%.2f s", *ms/1000)
	}
	return fmt.Sprintf("%.1f ms", *ms)
}
