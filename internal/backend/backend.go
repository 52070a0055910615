// Package backend defines the uniform transport interface to upstream AI
// providers and its three implementations: HTTP API, CLI subprocess, and
// terminal pane.
//
// Every transport folds its provider-specific quirks (auth prompts, banner
// noise, completion markers, HTTP status codes) into the same Result enum, so
// the retry/fallback executor never branches on transport.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/model"
)

// Status classifies the outcome of one execute attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusAuth      Status = "auth_required"
	StatusTransient Status = "transient_error"
	StatusPermanent Status = "permanent_error"
	StatusRateLimit Status = "rate_limited"
)

// Result is the uniform outcome of Backend.Execute.
type Result struct {
	Status Status

	Text     string
	Thinking string

	InputTokens  int
	OutputTokens int

	// CostUSD is the estimated cost of the attempt; zero when unknown.
	CostUSD float64

	// RetryAfter is the upstream-suggested wait before retrying a
	// rate_limited result. Zero when the upstream gave no hint.
	RetryAfter time.Duration

	// AuthURL is an optional sign-in URL extracted from an auth_required
	// response.
	AuthURL string

	// Message describes the failure for non-success results.
	Message string
}

// TotalTokens returns input + output.
func (r *Result) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// ErrorKind maps the result status onto the gateway error taxonomy.
// Returns "" for success.
func (r *Result) ErrorKind() model.ErrorKind {
	switch r.Status {
	case StatusAuth:
		return model.ErrKindAuth
	case StatusTransient:
		return model.ErrKindTransient
	case StatusPermanent:
		return model.ErrKindPermanent
	case StatusRateLimit:
		return model.ErrKindRateLimited
	}
	return ""
}

func success(text, thinking string, in, out int) *Result {
	return &Result{Status: StatusSuccess, Text: text, Thinking: thinking,
		InputTokens: in, OutputTokens: out}
}

func transient(format string, args ...any) *Result {
	return &Result{Status: StatusTransient, Message: fmt.Sprintf(format, args...)}
}

func permanent(format string, args ...any) *Result {
	return &Result{Status: StatusPermanent, Message: fmt.Sprintf(format, args...)}
}

// Backend is the uniform provider transport.
//
// Execute must honor ctx cancellation and deadline cooperatively: when ctx
// fires, the backend unwinds within the gateway's grace window or is forcibly
// terminated by its own cleanup (connection abort, SIGKILL, pane abort).
type Backend interface {
	// Name is the provider name this backend serves.
	Name() string

	// Type is the transport variant.
	Type() model.BackendType

	// Execute runs one attempt. Transport-level failures are classified into
	// the Result status, never returned as Go errors.
	Execute(ctx context.Context, req *model.Request) *Result

	// HealthCheck probes the upstream with a lightweight request.
	HealthCheck(ctx context.Context) error

	// EstimatedCost predicts the USD cost of serving req. May return zero.
	EstimatedCost(req *model.Request) float64
}

// New constructs the backend for a provider descriptor.
func New(p *config.Provider) (Backend, error) {
	switch model.BackendType(p.BackendType) {
	case model.BackendHTTP:
		return NewHTTP(p)
	case model.BackendCLI:
		return NewCLI(p), nil
	case model.BackendTerminal:
		return NewTerminal(p), nil
	}
	return nil, fmt.Errorf("backend: unknown backend type %q", p.BackendType)
}

// estimateCost converts token counts to USD using the descriptor's blended
// per-1k rate.
func estimateCost(p *config.Provider, totalTokens int) float64 {
	if p.CostPer1K <= 0 || totalTokens <= 0 {
		return 0
	}
	return float64(totalTokens) / 1000 * p.CostPer1K
}
