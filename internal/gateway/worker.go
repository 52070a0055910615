package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ccbridge/gateway/internal/backend"
	"github.com/ccbridge/gateway/internal/cache"
	"github.com/ccbridge/gateway/internal/events"
	"github.com/ccbridge/gateway/internal/model"
	"github.com/ccbridge/gateway/internal/queue"
	"github.com/ccbridge/gateway/internal/store"
)

// worker is one dispatch loop. It pops the highest-priority runnable request
// — runnable means the provider semaphore has a free slot — and drives it to
// a terminal state. The semaphore slot is acquired inside the pop predicate
// and owned by the worker until the request finishes.
func (g *Gateway) worker(id string) {
	defer g.wg.Done()

	for {
		select {
		case <-g.done:
			return
		case <-g.baseCtx.Done():
			return
		default:
		}

		item := g.queue.PopRunnable(func(it *queue.Item) bool {
			sem := g.sems[it.Provider]
			if sem == nil {
				return false
			}
			return sem.TryAcquire(1)
		}, g.cfg.Queue.SkipAhead)

		if item == nil {
			select {
			case <-g.done:
				return
			case <-g.baseCtx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		if g.metrics != nil {
			g.metrics.SetQueueDepth(g.queue.Len())
		}
		g.process(id, item)
	}
}

// process drives one dequeued request to a terminal state. The provider
// semaphore slot acquired during dequeue is released here.
func (g *Gateway) process(workerID string, item *queue.Item) {
	defer g.sems[item.Provider].Release(1)

	req, err := g.st.GetRequest(g.baseCtx, item.ID)
	if err != nil {
		g.log.Error("dequeued unknown request",
			slog.String("request_id", item.ID),
			slog.String("error", err.Error()))
		return
	}

	// queued → processing. A conflict means cancel won the race while the
	// item was being popped; nothing to do.
	if err := g.st.Transition(g.baseCtx, req.ID, model.StatusQueued, model.StatusProcessing, "worker="+workerID); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			g.log.Error("processing transition failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()))
		}
		return
	}
	if err := g.st.AssignWorker(g.baseCtx, req.ID, workerID); err != nil {
		g.log.Warn("assign worker failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
	}

	if g.metrics != nil {
		g.metrics.ObserveQueueWait(time.Since(req.SubmittedAt))
		g.metrics.IncInFlight(req.Provider)
	}
	if g.monitor != nil {
		g.monitor.IncInFlight(req.Provider)
	}
	g.publishRequestEvent(events.TypeRequestProcessing, req.ID, req.Provider, nil)

	// The request ctx carries the deadline and the external cancel signal.
	reqCtx, cancel := context.WithDeadline(g.baseCtx, req.Deadline)
	g.registerCancel(req.ID, cancel)

	outcome := g.execute(reqCtx, req)

	g.unregisterCancel(req.ID)
	cancelled := reqCtx.Err() != nil && errors.Is(context.Cause(reqCtx), context.Canceled)
	cancel()

	resp := g.buildResponse(req, outcome, cancelled)

	if g.metrics != nil {
		g.metrics.DecInFlight(req.Provider)
	}
	if g.monitor != nil {
		g.monitor.DecInFlight(req.Provider, resp.ErrorKind != "")
	}

	// Resolve the single-flight slot before waking anyone else: the cache
	// write inside CompleteFlight happens-before waiter wakeup.
	g.settleFlight(req, resp)

	// Backends here return complete bodies, so a streaming request gets its
	// text as one chunk on the stream channel before the completed event.
	if req.Stream && resp.ErrorKind == "" {
		e := events.New(events.ChannelStream, events.TypeStreamChunk)
		e.RequestID = req.ID
		e.Provider = resp.Provider
		e.Data = map[string]any{"content": resp.Text, "final": true}
		g.bus.Publish(e)
	}

	if resp.ErrorKind == "" && g.costs != nil {
		g.costs.Record(store.CostSample{
			Provider:     resp.Provider,
			RequestID:    req.ID,
			Model:        req.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      outcome.costUSD,
		})
	}

	g.finalize(req.ID, model.StatusProcessing, resp)
}

// buildResponse maps the executor outcome to the terminal response row.
func (g *Gateway) buildResponse(req *model.Request, o *execOutcome, cancelled bool) *model.Response {
	resp := &model.Response{
		RequestID:   req.ID,
		Provider:    o.provider,
		Backend:     o.backendType,
		LatencyMs:   o.latency.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if resp.Provider == "" {
		resp.Provider = req.Provider
	}

	switch {
	case cancelled:
		resp.ErrorKind = model.ErrKindCancelled
		resp.ErrorMessage = "cancelled by caller"

	case o.timedOut:
		resp.ErrorKind = model.ErrKindTimedOut
		resp.ErrorMessage = "deadline exceeded"

	case o.result == nil:
		resp.ErrorKind = model.ErrKindPermanent
		resp.ErrorMessage = "no provider available"

	case o.result.Status == backend.StatusSuccess:
		resp.Text = o.result.Text
		resp.Thinking = o.result.Thinking
		resp.InputTokens = o.result.InputTokens
		resp.OutputTokens = o.result.OutputTokens
		resp.TotalTokens = o.result.TotalTokens()

	default:
		resp.ErrorKind = o.result.ErrorKind()
		resp.ErrorMessage = sanitizeMessage(o.result.Message)
	}

	return resp
}

// settleFlight publishes the outcome to waiters and populates the cache on
// success. No-op when the request leads no flight.
func (g *Gateway) settleFlight(req *model.Request, resp *model.Response) {
	g.mu.Lock()
	flight := g.flights[req.ID]
	delete(g.flights, req.ID)
	g.mu.Unlock()
	if flight == nil {
		return
	}

	result := &cache.FlightResult{}
	if resp.ErrorKind == "" {
		desc := g.descriptors[req.Provider]
		result.Entry = &store.CacheEntry{
			Fingerprint:  req.Fingerprint,
			Text:         resp.Text,
			Thinking:     resp.Thinking,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			TotalTokens:  resp.TotalTokens,
			Provider:     resp.Provider,
			Backend:      resp.Backend,
			StoredAt:     time.Now().UTC(),
			TTL:          desc.CacheTTL(g.cfg.Cache.DefaultTTL()),
		}
	} else {
		result.ErrorKind = resp.ErrorKind
		result.ErrorMessage = resp.ErrorMessage
	}

	g.cache.CompleteFlight(g.baseCtx, flight, result, result.Entry != nil)
}

// sanitizeMessage keeps upstream failure text out of the API when it looks
// like it could carry credentials.
func sanitizeMessage(msg string) string {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "apikey") ||
		strings.Contains(lower, "bearer ") || strings.Contains(lower, "secret") {
		return "upstream error (detail withheld)"
	}
	return msg
}
