// Package transport defines the network boundary of the sync engine: a
// Sender capability plus the single normalized response shape the engine
// consumes.
//
// Servers disagree about envelope shapes ({"data": {...}} vs flat bodies)
// and field names (id/_id/uuid, updatedAt/updated_at). All of that is
// resolved here, once, so the engine core never branches on response shape.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Response is the normalized result of a successful (2xx or conflict)
// transport call. For creates and updates the server must return at least an
// identifier and an updatedAt or version field; the rest of the body rides
// along in Payload.
type Response struct {
	// Status is the HTTP status code.
	Status int
	// ID is the server-assigned entity identifier, if present.
	ID string
	// Version is the entity version token, if present.
	Version *int64
	// UpdatedAt is the server-side modification time, if present.
	UpdatedAt time.Time
	// Payload is the normalized entity body (envelope stripped).
	Payload json.RawMessage
}

// Conflict reports whether the server signaled divergence between its state
// and the basis of the request.
func (r *Response) Conflict() bool {
	return r.Status == http.StatusConflict || r.Status == http.StatusPreconditionFailed
}

// Error is a failed transport call. It carries enough to classify the
// failure as permanent or transient.
type Error struct {
	// Status is the HTTP status code, or 0 for transport-level failures
	// (connection refused, timeout).
	Status int
	// Message is the server-provided or synthesized description.
	Message string
	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("transport error: %s", e.Message)
}

// Unwrap supports errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Permanent reports whether retrying can never succeed: the server rejected
// the request as invalid, unauthorized, or not found. Timeouts, connection
// failures, rate limits, and server errors are transient. Conflict statuses
// are neither — they are surfaced as conflicts, not errors.
func (e *Error) Permanent() bool {
	if e.Status < 400 || e.Status >= 500 {
		return false
	}
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusConflict,
		http.StatusPreconditionFailed, http.StatusTooManyRequests:
		return false
	}
	return true
}

// IsPermanent reports whether err is a permanent transport error.
func IsPermanent(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Permanent()
}

// Sender dispatches one captured mutation request. Implementations must
// return *Error for failures so the engine can classify them.
type Sender interface {
	Send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error)
}

// envelope covers the wrapper shapes servers are known to use.
type envelope struct {
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
}

// identity covers the identifier/timestamp field spellings servers use.
type identity struct {
	ID           string `json:"id"`
	AltID        string `json:"_id"`
	UUID         string `json:"uuid"`
	Version      *int64 `json:"version"`
	UpdatedAt    string `json:"updatedAt"`
	UpdatedSnake string `json:"updated_at"`
}

// Normalize converts a raw response body into the strict internal shape.
// An empty body (a DELETE acknowledgement) yields a Response with only the
// status set.
func Normalize(status int, raw []byte) (*Response, error) {
	resp := &Response{Status: status}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp, nil
	}

	body := json.RawMessage(raw)

	// Strip one level of {"data": ...} or {"result": ...} nesting.
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if len(env.Data) > 0 && isObject(env.Data) {
			body = env.Data
		} else if len(env.Result) > 0 && isObject(env.Result) {
			body = env.Result
		}
	}

	var id identity
	if err := json.Unmarshal(body, &id); err != nil {
		return nil, fmt.Errorf("failed to parse response body: %w", err)
	}

	resp.Payload = body
	resp.ID = firstNonEmpty(id.ID, id.AltID, id.UUID)
	resp.Version = id.Version
	if ts := firstNonEmpty(id.UpdatedAt, id.UpdatedSnake); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			t, err = time.Parse(time.RFC3339, ts)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse response timestamp %q: %w", ts, err)
		}
		resp.UpdatedAt = t
	}

	return resp, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// HTTPSender implements Sender over net/http.
type HTTPSender struct {
	// Client is the HTTP client. Defaults to http.DefaultClient.
	Client *http.Client
	// Timeout bounds each call. A timeout surfaces as a transient Error.
	// Defaults to 30 seconds.
	Timeout time.Duration
}

// Send implements Sender.
//
// DELETE responses with status 404 or 410 are treated as success: the entity
// is already gone, which is the outcome the mutation wanted. This keeps a
// replayed delete idempotent.
func (s *HTTPSender) Send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to build request: %v", err), Err: err}
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to read response: %v", err), Err: err}
	}

	status := httpResp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return Normalize(status, raw)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		// Divergence: the body carries the server's current snapshot.
		return Normalize(status, raw)
	case method == http.MethodDelete && (status == http.StatusNotFound || status == http.StatusGone):
		return &Response{Status: status}, nil
	default:
		return nil, &Error{Status: status, Message: errorMessage(raw, status)}
	}
}

// classifyDialError wraps transport-level failures; they carry no status and
// are always transient.
func classifyDialError(err error) *Error {
	msg := err.Error()
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "request timed out"
	} else if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &Error{Message: msg, Err: err}
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if m := firstNonEmpty(body.Message, body.Error); m != "" {
			return m
		}
	}
	return http.StatusText(status)
}
