// Package exchange defines the captured request/response record.
//
// DESIGN: One Exchange is created per proxied request and is written only by
// the goroutine serving that request (the owner). Everything else reads it
// through Snapshot() or Summary(), which return value copies taken under the
// record's lock. Terminal transitions (Pending -> Completed | Error) happen at
// most once and set the duration in the same critical section.
package exchange

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an exchange.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IDLength is the number of hex characters in an exchange id.
const IDLength = 12

// Request holds the inbound request facts captured at creation.
type Request struct {
	Method      string
	Path        string
	QueryString string
	Headers     http.Header
	Body        []byte
}

// Exchange is one captured request/response pair.
type Exchange struct {
	mu sync.RWMutex

	id        string
	createdAt time.Time
	started   time.Time // monotonic clock for duration

	method      string
	path        string
	queryString string
	reqHeaders  http.Header
	reqBody     []byte

	statusCode  int // 0 until upstream responds
	respHeaders http.Header
	respBody    []byte
	streaming   bool

	status   Status
	duration time.Duration
	errMsg   string
}

// NewID returns a fresh exchange id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
}

// New creates a pending exchange from the inbound request facts.
// An empty body is stored as absent.
func New(req Request) *Exchange {
	now := time.Now()
	var body []byte
	if len(req.Body) > 0 {
		body = req.Body
	}
	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return &Exchange{
		id:          NewID(),
		createdAt:   now.UTC(),
		started:     now,
		method:      req.Method,
		path:        req.Path,
		queryString: req.QueryString,
		reqHeaders:  headers,
		reqBody:     body,
		status:      StatusPending,
	}
}

// ID returns the immutable exchange id.
func (e *Exchange) ID() string { return e.id }

// CreatedAt returns the creation time (UTC).
func (e *Exchange) CreatedAt() time.Time { return e.createdAt }

// Status returns the current lifecycle status.
func (e *Exchange) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// SetResponse records the upstream status code and (sanitized) headers.
func (e *Exchange) SetResponse(statusCode int, headers http.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return
	}
	e.statusCode = statusCode
	e.respHeaders = headers.Clone()
}

// MarkStreaming flags the response as an event stream.
func (e *Exchange) MarkStreaming() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return
	}
	e.streaming = true
}

// AppendResponseBody appends relayed bytes to the response body.
// Bytes already stored are never rewritten, only extended.
func (e *Exchange) AppendResponseBody(p []byte) {
	if len(p) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return
	}
	e.respBody = append(e.respBody, p...)
}

// Complete stores the full buffered body and moves the exchange to Completed.
// Returns false if the exchange was already terminal.
func (e *Exchange) Complete(body []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return false
	}
	e.respBody = body
	e.terminate(StatusCompleted, "")
	return true
}

// Finish finalizes a streamed exchange with whatever body was accumulated.
// A nil error completes it, anything else marks it failed.
func (e *Exchange) Finish(err error) bool {
	if err != nil {
		return e.Fail(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return false
	}
	e.terminate(StatusCompleted, "")
	return true
}

// Fail moves the exchange to Error with the error's message.
// Returns false if the exchange was already terminal.
func (e *Exchange) Fail(err error) bool {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return false
	}
	e.terminate(StatusError, msg)
	return true
}

// terminate must be called with e.mu held.
func (e *Exchange) terminate(status Status, errMsg string) {
	e.status = status
	e.errMsg = errMsg
	e.duration = time.Since(e.started)
}

// Snapshot is an immutable copy of an exchange's state.
type Snapshot struct {
	ID              string      `json:"id"`
	CreatedAt       time.Time   `json:"created_at"`
	Method          string      `json:"method"`
	Path            string      `json:"path"`
	QueryString     string      `json:"query_string"`
	RequestHeaders  http.Header `json:"request_headers"`
	RequestBody     []byte      `json:"request_body,omitempty"`
	StatusCode      *int        `json:"status_code"`
	ResponseHeaders http.Header `json:"response_headers"`
	ResponseBody    []byte      `json:"response_body,omitempty"`
	IsStreaming     bool        `json:"is_streaming"`
	Status          Status      `json:"status"`
	DurationMs      *float64    `json:"duration_ms"`
	ErrorMessage    *string     `json:"error_message"`
}

// Summary is a Snapshot without headers and bodies.
type Summary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	QueryString  string    `json:"query_string"`
	StatusCode   *int      `json:"status_code"`
	IsStreaming  bool      `json:"is_streaming"`
	Status       Status    `json:"status"`
	DurationMs   *float64  `json:"duration_ms"`
	ResponseSize int       `json:"response_size"`
}

// Snapshot copies the exchange state, bodies included.
func (e *Exchange) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Snapshot{
		ID:              e.id,
		CreatedAt:       e.createdAt,
		Method:          e.method,
		Path:            e.path,
		QueryString:     e.queryString,
		RequestHeaders:  e.reqHeaders.Clone(),
		RequestBody:     e.reqBody,
		ResponseHeaders: e.respHeaders.Clone(),
		ResponseBody:    bytes.Clone(e.respBody),
		IsStreaming:     e.streaming,
		Status:          e.status,
	}
	if s.ResponseHeaders == nil {
		s.ResponseHeaders = http.Header{}
	}
	s.StatusCode, s.DurationMs, s.ErrorMessage = e.optionalFields()
	return s
}

// Summary copies the list-view fields of the exchange.
func (e *Exchange) Summary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Summary{
		ID:           e.id,
		CreatedAt:    e.createdAt,
		Method:       e.method,
		Path:         e.path,
		QueryString:  e.queryString,
		IsStreaming:  e.streaming,
		Status:       e.status,
		ResponseSize: len(e.respBody),
	}
	s.StatusCode, s.DurationMs, _ = e.optionalFields()
	return s
}

// optionalFields must be called with e.mu held.
func (e *Exchange) optionalFields() (statusCode *int, durationMs *float64, errMsg *string) {
	if e.statusCode != 0 {
		code := e.statusCode
		statusCode = &code
	}
	if e.status != StatusPending {
		ms := float64(e.duration) / float64(time.Millisecond)
		durationMs = &ms
	}
	if e.status == StatusError {
		msg := e.errMsg
		errMsg = &msg
	}
	return statusCode, durationMs, errMsg
}
