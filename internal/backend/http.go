package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/model"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 8 << 20

// extraRetryable holds HTTP statuses promoted to transient_error beyond the
// built-in 5xx rule, from the retry.retryable_statuses config key.
var extraRetryable = map[int]bool{}

// SetRetryableStatuses registers additional upstream statuses to classify as
// transient. Called once at startup, before any backend executes.
func SetRetryableStatuses(codes []int) {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	extraRetryable = m
}

// HTTPBackend issues a single HTTP call per attempt, speaking one of the
// registered dialects. Provider descriptors select the dialect by name —
// new HTTP providers are config rows, not code.
type HTTPBackend struct {
	provider *config.Provider
	dialect  Dialect
	client   *http.Client
}

// NewHTTP builds an HTTPBackend for the descriptor. The api key is resolved
// from the environment variable named by the descriptor at call time, so key
// rotation does not require a restart.
func NewHTTP(p *config.Provider) (*HTTPBackend, error) {
	d, err := DialectByName(p.Dialect)
	if err != nil {
		return nil, err
	}
	return &HTTPBackend{
		provider: p,
		dialect:  d,
		client: &http.Client{
			// Per-request deadlines come from ctx; the client timeout is a
			// backstop against leaked connections.
			Timeout: p.Timeout() + 5*time.Second,
		},
	}, nil
}

func (b *HTTPBackend) Name() string            { return b.provider.Name }
func (b *HTTPBackend) Type() model.BackendType { return model.BackendHTTP }

func (b *HTTPBackend) apiKey() string {
	if b.provider.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.provider.APIKeyEnv)
}

// Execute issues one upstream call and classifies the outcome:
//
//	2xx           → parse via dialect
//	401/403       → auth_required
//	429           → rate_limited (Retry-After honored)
//	5xx / network → transient_error
//	other 4xx     → permanent_error
func (b *HTTPBackend) Execute(ctx context.Context, req *model.Request) *Result {
	endpoint, body, headers, err := b.dialect.BuildRequest(b.provider, req, b.apiKey())
	if err != nil {
		return permanent("%s: %v", b.provider.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent("%s: build request: %v", b.provider.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range b.provider.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return transient("%s: %v", b.provider.Name, ctx.Err())
		}
		return transient("%s: %v", b.provider.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transient("%s: read response: %v", b.provider.Name, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return b.parseSuccess(req, respBody)

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Result{
			Status:  StatusAuth,
			Message: fmt.Sprintf("%s: upstream returned %d", b.provider.Name, resp.StatusCode),
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &Result{
			Status:     StatusRateLimit,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    fmt.Sprintf("%s: rate limited", b.provider.Name),
		}

	case resp.StatusCode >= 500 || extraRetryable[resp.StatusCode]:
		return transient("%s: upstream returned %d: %s", b.provider.Name, resp.StatusCode, truncate(respBody, 200))

	default:
		return permanent("%s: upstream returned %d: %s", b.provider.Name, resp.StatusCode, truncate(respBody, 200))
	}
}

func (b *HTTPBackend) parseSuccess(req *model.Request, body []byte) *Result {
	text, thinking, inTokens, outTokens, err := b.dialect.ParseResponse(body)
	if err != nil {
		// A 2xx we cannot parse is an upstream contract violation; treat it
		// as transient so a retry or fallback can recover.
		return transient("%s: %v", b.provider.Name, err)
	}

	// Fall back to character-based estimation when usage is absent.
	if inTokens == 0 {
		inTokens = EstimateTokens(req.Prompt)
	}
	if outTokens == 0 {
		outTokens = EstimateTokens(text)
	}

	res := success(text, thinking, inTokens, outTokens)
	res.CostUSD = estimateCost(b.provider, res.TotalTokens())
	return res
}

// HealthCheck issues a minimal dialect request with a one-token prompt.
func (b *HTTPBackend) HealthCheck(ctx context.Context) error {
	probe := &model.Request{Prompt: "ping", Model: b.provider.Model}
	res := b.Execute(ctx, probe)
	switch res.Status {
	case StatusSuccess, StatusRateLimit:
		// Being rate limited proves the endpoint is alive.
		return nil
	default:
		return fmt.Errorf("%s: %s", b.provider.Name, res.Message)
	}
}

// EstimatedCost predicts the cost of the prompt plus a same-size completion.
func (b *HTTPBackend) EstimatedCost(req *model.Request) float64 {
	return estimateCost(b.provider, 2*EstimateTokens(req.Prompt))
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
