// Package model defines the core entities shared by the store, queue,
// backends, and HTTP layer: requests, responses, and their lifecycle states.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Request is the unit of work flowing through the gateway.
type Request struct {
	// ID is a time-ordered unique string (UUIDv7).
	ID string `json:"id"`

	// Provider is the preferred provider name. The provider that actually
	// serves the request may differ after fallback; see Response.Provider.
	Provider string `json:"provider"`

	// Model is an optional model hint forwarded to the backend.
	Model string `json:"model,omitempty"`

	// Agent is an optional agent role string mixed into the fingerprint.
	Agent string `json:"agent,omitempty"`

	Prompt string `json:"prompt"`

	// Priority orders the queue; larger values dispatch first.
	Priority int `json:"priority"`

	SubmittedAt time.Time `json:"submitted_at"`
	Deadline    time.Time `json:"deadline"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`

	// WorkerID is the id of the worker processing the request, empty while queued.
	WorkerID string `json:"worker_id,omitempty"`

	// APIKeyID is the id of the api key that submitted the request, if any.
	APIKeyID string `json:"api_key_id,omitempty"`

	// ParentID links fallback children and discussion sub-requests to their
	// originating request.
	ParentID string `json:"parent_id,omitempty"`

	// Fingerprint is the deterministic cache / single-flight key.
	Fingerprint string `json:"fingerprint"`

	BypassCache bool `json:"bypass_cache,omitempty"`
	Stream      bool `json:"stream,omitempty"`
}

// NewRequest creates a queued request with a fresh time-ordered id.
func NewRequest(provider, prompt string, priority int, timeout time.Duration) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:          NewID(),
		Provider:    provider,
		Prompt:      prompt,
		Priority:    priority,
		SubmittedAt: now,
		Deadline:    now.Add(timeout),
		Status:      StatusQueued,
	}
}

// NewID returns a time-ordered unique request id. UUIDv7 embeds a millisecond
// timestamp in the high bits, so lexicographic order tracks submission order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is broken; fall back to v4
		// rather than panicking in the intake path.
		return uuid.New().String()
	}
	return id.String()
}

// Response is the terminal result of a request. At most one exists per request.
type Response struct {
	RequestID string `json:"request_id"`

	Text     string `json:"response,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	LatencyMs int64 `json:"latency_ms"`

	// Backend is the transport variant that produced the response.
	Backend BackendType `json:"backend,omitempty"`

	// Provider is the provider that actually served the request. It differs
	// from Request.Provider when a fallback succeeded.
	Provider string `json:"provider_used,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	Cached bool `json:"cached"`

	CompletedAt time.Time `json:"completed_at"`
}

// Failed reports whether the response records an error outcome.
func (r *Response) Failed() bool { return r.ErrorKind != "" }

// RequestFilter narrows ListRequests results.
type RequestFilter struct {
	Status   Status
	Provider string
	Limit    int
	Offset   int
}
