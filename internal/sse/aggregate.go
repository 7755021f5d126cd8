// Package sse reconstructs one logical assistant message from an
// OpenAI-style server-sent event stream.
//
// DESIGN: Each "data: " line carries a chat-completion chunk. The aggregator
// folds the chunks into a single message:
//
//	delta.content     -> appended to Text
//	delta.tool_calls  -> merged by index (id/name overwrite, arguments append)
//	usage             -> last non-empty object wins
//
// A "data: [DONE]" line stops aggregation. Lines that are not data lines are
// ignored, and data lines that fail to decode are skipped without error so a
// truncated or corrupt stream still yields whatever could be recovered.
package sse

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

const (
	// DataPrefix marks an event payload line.
	DataPrefix = "data: "

	// DoneSentinel is the payload that terminates a stream.
	DoneSentinel = "[DONE]"

	defaultToolType = "function"
)

// FunctionCall is the function part of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool call assembled from stream fragments.
type ToolCall struct {
	Index    int          `json:"-"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is the aggregated result.
type Message struct {
	// Text is the concatenated content. When Fallback is set it holds the
	// raw input instead.
	Text string

	// ToolCalls is ordered by index; nil when the stream carried none.
	ToolCalls []ToolCall

	// Usage is the last non-empty usage object; nil when absent.
	Usage json.RawMessage

	// Fallback reports that the input yielded neither text nor tool calls
	// although it carried more than the termination sentinel, so Text is the
	// verbatim input.
	Fallback bool
}

// chunk is the subset of a chat-completion chunk the aggregator reads.
// Pointer and raw fields distinguish "absent" from zero values.
type chunk struct {
	Choices []struct {
		Delta *delta `json:"delta"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

type delta struct {
	Content   *string         `json:"content"`
	ToolCalls []toolCallDelta `json:"tool_calls"`
}

type toolCallDelta struct {
	Index    *int    `json:"index"`
	ID       *string `json:"id"`
	Type     *string `json:"type"`
	Function *struct {
		Name      *string `json:"name"`
		Arguments *string `json:"arguments"`
	} `json:"function"`
}

// Aggregate folds a fully materialized event-stream body into a Message.
func Aggregate(body string) Message {
	var a Aggregator
	_, _ = a.Write([]byte(body))
	a.Flush()

	msg := a.Result()
	if msg.Fallback {
		msg.Text = body
	}
	return msg
}

// Aggregator folds an event stream incrementally. Bytes may be written in
// arbitrary chunks; a line is processed once its newline arrives or on Flush.
// An Aggregator is not safe for concurrent use.
type Aggregator struct {
	partial    []byte
	text       strings.Builder
	calls      map[int]*ToolCall
	usage      json.RawMessage
	sawPayload bool
	done       bool
}

// Write buffers p and processes every complete line in it. It never fails.
func (a *Aggregator) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if a.done {
		return len(p), nil
	}

	a.partial = append(a.partial, p...)
	for !a.done {
		i := bytes.IndexByte(a.partial, '\n')
		if i < 0 {
			break
		}
		a.Feed(string(a.partial[:i]))
		a.partial = a.partial[i+1:]
	}
	if a.done || len(a.partial) == 0 {
		a.partial = nil
	}
	return len(p), nil
}

// Flush processes a trailing line that was not newline-terminated.
func (a *Aggregator) Flush() {
	if len(a.partial) > 0 && !a.done {
		a.Feed(string(a.partial))
	}
	a.partial = nil
}

// Done reports whether the termination sentinel was seen.
func (a *Aggregator) Done() bool { return a.done }

// Feed processes a single line (without its newline).
func (a *Aggregator) Feed(line string) {
	if a.done {
		return
	}

	line = strings.TrimSuffix(line, "\r")
	payload, ok := strings.CutPrefix(line, DataPrefix)
	if ok && strings.TrimSpace(payload) == DoneSentinel {
		a.done = true
		return
	}
	if strings.TrimSpace(line) != "" {
		a.sawPayload = true
	}
	if !ok {
		return
	}

	var c *chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil || c == nil {
		return
	}
	a.apply(c)
}

func (a *Aggregator) apply(c *chunk) {
	if isNonEmptyObject(c.Usage) {
		a.usage = append(a.usage[:0:0], c.Usage...)
	}

	for _, choice := range c.Choices {
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != nil {
			a.text.WriteString(*choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			a.mergeToolCall(tc)
		}
	}
}

func (a *Aggregator) mergeToolCall(tc toolCallDelta) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}

	var name, args *string
	if tc.Function != nil {
		name, args = tc.Function.Name, tc.Function.Arguments
	}

	call, seen := a.calls[idx]
	if !seen {
		call = &ToolCall{Index: idx, Type: defaultToolType}
		if tc.ID != nil {
			call.ID = *tc.ID
		}
		if tc.Type != nil && *tc.Type != "" {
			call.Type = *tc.Type
		}
		if name != nil {
			call.Function.Name = *name
		}
		a.calls[idx] = call
	} else {
		if tc.ID != nil && *tc.ID != "" {
			call.ID = *tc.ID
		}
		if name != nil && *name != "" {
			call.Function.Name = *name
		}
	}

	if args != nil {
		call.Function.Arguments += *args
	}
}

// Result returns the message aggregated so far. For an incremental
// Aggregator, Fallback is reported but Text stays empty since the raw input
// is not retained; Aggregate fills it in.
func (a *Aggregator) Result() Message {
	msg := Message{Text: a.text.String()}
	if len(a.usage) > 0 {
		msg.Usage = append(json.RawMessage(nil), a.usage...)
	}
	if len(a.calls) > 0 {
		msg.ToolCalls = make([]ToolCall, 0, len(a.calls))
		for _, call := range a.calls {
			msg.ToolCalls = append(msg.ToolCalls, *call)
		}
		sort.Slice(msg.ToolCalls, func(i, j int) bool {
			return msg.ToolCalls[i].Index < msg.ToolCalls[j].Index
		})
	}
	msg.Fallback = a.sawPayload && msg.Text == "" && len(msg.ToolCalls) == 0
	return msg
}

// isNonEmptyObject reports whether raw is a JSON object with at least one key.
func isNonEmptyObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return false
	}
	return len(m) > 0
}
