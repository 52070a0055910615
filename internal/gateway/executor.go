package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/ccbridge/gateway/internal/backend"
	"github.com/ccbridge/gateway/internal/events"
	"github.com/ccbridge/gateway/internal/model"
)

// execOutcome is the executor's final word on a request.
type execOutcome struct {
	result      *backend.Result
	provider    string
	backendType model.BackendType
	latency     time.Duration
	costUSD     float64
	timedOut    bool
}

// execute walks [preferred, ...fallback-chain], retrying each provider with
// exponential backoff on retryable failures before moving on.
//
//	success                       → return it
//	auth_required / permanent     → next provider immediately
//	rate_limited(retry_after)     → sleep min(retry_after, remaining), retry
//	transient                     → sleep base·2^(attempt-1) ±25%, retry
//
// The executor never outlives the request deadline; expiry mid-sleep returns
// timed_out at once. Every attempt publishes a cli_executing event naming
// the provider actually called, so observers can see fallbacks.
func (g *Gateway) execute(ctx context.Context, req *model.Request) *execOutcome {
	chain := g.candidateChain(req.Provider)

	maxAttempts := g.cfg.Retry.MaxAttempts
	if !g.cfg.Retry.Enabled {
		maxAttempts = 1
	}

	outcome := &execOutcome{}
	prev := ""

	for _, name := range chain {
		b := g.backends[name]
		if b == nil {
			continue
		}
		if g.monitor != nil && !g.monitor.Enabled(name) {
			continue
		}

		if prev != "" {
			if g.metrics != nil {
				g.metrics.RecordFallback(prev, name)
			}
			g.log.Info("falling back",
				slog.String("request_id", req.ID),
				slog.String("from", prev),
				slog.String("to", name),
			)
		}

		res, latency, timedOut := g.attemptProvider(ctx, req, b, maxAttempts)

		outcome.provider = name
		outcome.backendType = b.Type()
		outcome.latency = latency
		outcome.timedOut = timedOut
		if res != nil {
			outcome.result = res
			outcome.costUSD = res.CostUSD
			if res.Status == backend.StatusSuccess {
				return outcome
			}
		}
		if timedOut || ctx.Err() != nil {
			return outcome
		}

		prev = name
	}

	return outcome
}

// attemptProvider runs up to maxAttempts against a single backend, honoring
// the retry policy. Returns the last result, the last attempt's latency, and
// whether the deadline expired.
func (g *Gateway) attemptProvider(ctx context.Context, req *model.Request, b backend.Backend, maxAttempts int) (*backend.Result, time.Duration, bool) {
	var last *backend.Result
	var latency time.Duration
	name := b.Name()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return last, latency, errors.Is(ctx.Err(), context.DeadlineExceeded)
		}

		g.publishExecuting(req, b, attempt)

		if err := g.st.IncrementAttempts(g.baseCtx, req.ID); err != nil {
			g.log.Warn("attempt count update failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()))
		}

		attemptCtx, cancel := g.attemptContext(ctx, name)
		start := time.Now()
		res := b.Execute(attemptCtx, req)
		latency = time.Since(start)
		cancel()
		last = res

		if g.metrics != nil {
			g.metrics.ObserveProviderLatency(name, latency)
		}
		if g.monitor != nil {
			g.monitor.Observe(name, res.Status == backend.StatusSuccess, latency)
		}

		switch res.Status {
		case backend.StatusSuccess:
			return res, latency, false

		case backend.StatusAuth, backend.StatusPermanent:
			// Retrying the same provider cannot change these outcomes.
			g.log.Info("provider attempt not retryable",
				slog.String("request_id", req.ID),
				slog.String("provider", name),
				slog.String("status", string(res.Status)),
			)
			return res, latency, false

		case backend.StatusRateLimit:
			wait := res.RetryAfter
			if wait <= 0 {
				wait = g.backoff(attempt)
			}
			g.log.Warn("provider rate limited",
				slog.String("request_id", req.ID),
				slog.String("provider", name),
				slog.Duration("wait", wait),
			)
			if !g.sleep(ctx, wait) {
				return res, latency, true
			}

		case backend.StatusTransient:
			g.log.Warn("provider attempt failed",
				slog.String("request_id", req.ID),
				slog.String("provider", name),
				slog.Int("attempt", attempt),
				slog.String("error", res.Message),
			)
			if attempt < maxAttempts {
				if g.metrics != nil {
					g.metrics.RecordRetry(name)
				}
				if !g.sleep(ctx, g.backoff(attempt)) {
					return res, latency, true
				}
			}
		}
	}

	return last, latency, false
}

// attemptContext bounds one attempt by the provider timeout without
// exceeding the request deadline already on ctx.
func (g *Gateway) attemptContext(ctx context.Context, provider string) (context.Context, context.CancelFunc) {
	desc := g.descriptors[provider]
	if desc == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, desc.Timeout())
}

// backoff computes base·2^(attempt-1), jittered ±25% when configured.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.Retry.BaseBackoff() << (attempt - 1)
	if g.cfg.Retry.Jitter {
		jitter := 0.75 + rand.Float64()*0.5
		d = time.Duration(float64(d) * jitter)
	}
	return d
}

// sleep waits for d or until ctx fires. Returns false when the deadline or a
// cancel interrupted the wait.
func (g *Gateway) sleep(ctx context.Context, d time.Duration) bool {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d <= 0 {
		// No budget left for the wait; surface the deadline immediately.
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// candidateChain returns [preferred, ...fallback-chain] with duplicates and
// unknown names removed.
func (g *Gateway) candidateChain(preferred string) []string {
	out := []string{preferred}
	seen := map[string]bool{preferred: true}

	if desc := g.descriptors[preferred]; desc != nil {
		for _, name := range desc.FallbackChain {
			if !seen[name] && g.descriptors[name] != nil {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// publishExecuting emits the per-attempt event on the cli channel. For CLI
// backends it carries a truncated command preview.
func (g *Gateway) publishExecuting(req *model.Request, b backend.Backend, attempt int) {
	e := events.New(events.ChannelCLI, events.TypeCLIExecuting)
	e.RequestID = req.ID
	e.Provider = b.Name()
	data := map[string]any{
		"backend": string(b.Type()),
		"attempt": attempt,
	}
	if cli, ok := b.(*backend.CLIBackend); ok {
		args, _ := cli.BuildArgs(req)
		preview := strings.Join(args, " ")
		if len(preview) > 80 {
			preview = preview[:80] + " ..."
		}
		data["command"] = preview
	}
	e.Data = data
	g.bus.Publish(e)
}
