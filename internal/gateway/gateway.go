// Package gateway is the core request orchestrator.
//
// It owns the in-memory runtime state — priority queue, worker pool,
// per-provider semaphores, single-flight handles, cancellation registry,
// completion watchers — and drives each request through its lifecycle:
// intake → cache/single-flight → queue → worker → retry/fallback executor →
// backend → terminal commit. Every state transition is persisted before its
// event is published.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ccbridge/gateway/internal/backend"
	"github.com/ccbridge/gateway/internal/cache"
	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/costs"
	"github.com/ccbridge/gateway/internal/events"
	"github.com/ccbridge/gateway/internal/health"
	"github.com/ccbridge/gateway/internal/metrics"
	"github.com/ccbridge/gateway/internal/model"
	"github.com/ccbridge/gateway/internal/queue"
	"github.com/ccbridge/gateway/internal/ratelimit"
	"github.com/ccbridge/gateway/internal/store"
)

// idlePoll is how long a worker sleeps when nothing in the skip-ahead window
// is runnable.
const idlePoll = 25 * time.Millisecond

// ErrQueueFull is surfaced to intake when the queue is at max depth.
var ErrQueueFull = errors.New("gateway: queue full")

// ErrUnknownProvider rejects submissions naming no configured provider.
var ErrUnknownProvider = errors.New("gateway: unknown provider")

// ErrProviderDisabled rejects submissions to an administratively disabled provider.
var ErrProviderDisabled = errors.New("gateway: provider disabled")

// ErrEmptyPrompt rejects submissions whose prompt is blank.
var ErrEmptyPrompt = errors.New("gateway: prompt must not be empty")

// Options bundles the injected subsystems. Store, Config and Bus are
// required; the rest are nil-safe.
type Options struct {
	Config  *config.Config
	Store   *store.SQLiteStore
	Cache   *cache.Manager
	Bus     *events.Bus
	Limiter *ratelimit.Limiter
	Monitor *health.Monitor
	Metrics *metrics.Registry
	Costs   *costs.Recorder
	Logger  *slog.Logger

	// Backends overrides construction from config — used by tests to inject
	// stubs.
	Backends map[string]backend.Backend
}

// Gateway wires the runtime together. All fields are set at construction and
// never reassigned; mutable state lives behind g.mu or inside the subsystems.
type Gateway struct {
	cfg     *config.Config
	st      *store.SQLiteStore
	cache   *cache.Manager
	bus     *events.Bus
	limiter *ratelimit.Limiter
	monitor *health.Monitor
	metrics *metrics.Registry
	costs   *costs.Recorder
	log     *slog.Logger

	queue *queue.Queue

	backends    map[string]backend.Backend
	descriptors map[string]*config.Provider
	sems        map[string]*semaphore.Weighted

	baseCtx context.Context

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	watchers map[string][]chan *model.Response
	flights  map[string]*cache.Flight

	startedAt time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a Gateway. Backends are constructed from the config unless
// injected via opts.Backends.
func New(baseCtx context.Context, opts Options) (*Gateway, error) {
	if baseCtx == nil {
		return nil, errors.New("gateway: context must not be nil")
	}
	if opts.Config == nil || opts.Store == nil || opts.Bus == nil {
		return nil, errors.New("gateway: config, store, and bus are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		cfg:         opts.Config,
		st:          opts.Store,
		cache:       opts.Cache,
		bus:         opts.Bus,
		limiter:     opts.Limiter,
		monitor:     opts.Monitor,
		metrics:     opts.Metrics,
		costs:       opts.Costs,
		log:         log.With(slog.String("component", "gateway")),
		queue:       queue.New(opts.Config.Queue.MaxDepth),
		backends:    opts.Backends,
		descriptors: make(map[string]*config.Provider),
		sems:        make(map[string]*semaphore.Weighted),
		baseCtx:     baseCtx,
		cancels:     make(map[string]context.CancelFunc),
		watchers:    make(map[string][]chan *model.Response),
		flights:     make(map[string]*cache.Flight),
		startedAt:   time.Now().UTC(),
		done:        make(chan struct{}),
	}

	if g.backends == nil {
		g.backends = make(map[string]backend.Backend, len(opts.Config.Providers))
		for i := range opts.Config.Providers {
			p := &opts.Config.Providers[i]
			b, err := backend.New(p)
			if err != nil {
				return nil, fmt.Errorf("gateway: provider %s: %w", p.Name, err)
			}
			g.backends[p.Name] = b
		}
	}

	for i := range opts.Config.Providers {
		p := &opts.Config.Providers[i]
		g.descriptors[p.Name] = p
		g.sems[p.Name] = semaphore.NewWeighted(int64(p.ConcurrencyCap()))
	}

	return g, nil
}

// Start performs startup recovery, then launches the worker pool. The
// gateway accepts no work until every orphaned row is terminal.
func (g *Gateway) Start(ctx context.Context) error {
	recovered, err := g.st.StartupRecovery(ctx)
	if err != nil {
		return fmt.Errorf("gateway: startup recovery: %w", err)
	}
	for _, id := range recovered {
		e := events.New(events.ChannelRequests, events.TypeRequestFailed)
		e.RequestID = id
		e.Data = map[string]any{"error_kind": string(model.ErrKindInterrupted), "recovered": true}
		g.bus.Publish(e)
	}

	if g.cache != nil {
		if err := g.cache.Load(ctx); err != nil {
			g.log.Warn("cache warm-up failed", slog.String("error", err.Error()))
		}
	}

	for i := 0; i < g.cfg.Workers.Count; i++ {
		g.wg.Add(1)
		go g.worker(fmt.Sprintf("worker-%d", i))
	}

	g.log.Info("gateway started",
		slog.Int("workers", g.cfg.Workers.Count),
		slog.Int("providers", len(g.backends)),
		slog.Int("recovered", len(recovered)),
	)
	return nil
}

// Close stops the worker pool. In-flight backends unwind via baseCtx.
func (g *Gateway) Close() {
	close(g.done)
	g.wg.Wait()
}

// Uptime returns the time since Start.
func (g *Gateway) Uptime() time.Duration { return time.Since(g.startedAt) }

// QueueDepth returns the current queue depth.
func (g *Gateway) QueueDepth() int { return g.queue.Len() }

// ── Intake ───────────────────────────────────────────────────────────────────

// SubmitParams carries a validated intake request.
type SubmitParams struct {
	Provider    string
	Prompt      string
	Model       string
	Agent       string
	Priority    int
	BypassCache bool
	Stream      bool
	APIKeyID    string
	ParentID    string
	Timeout     time.Duration // 0 = provider default
}

// SubmitResult is the immediate outcome of intake.
type SubmitResult struct {
	Request *model.Request

	// Response is non-nil when the request completed synchronously
	// (cache hit).
	Response *model.Response

	// Done receives the terminal response exactly once for asynchronous
	// requests. Nil when Response is already set.
	Done <-chan *model.Response
}

// Submit validates, fingerprints, consults cache and single-flight, and
// either completes synchronously (hit) or enqueues.
func (g *Gateway) Submit(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	desc, ok := g.descriptors[p.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p.Provider)
	}
	if g.monitor != nil && !g.monitor.Enabled(p.Provider) {
		return nil, fmt.Errorf("%w: %q", ErrProviderDisabled, p.Provider)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = desc.Timeout()
	}

	// An unspecified request priority inherits the provider's configured one.
	priority := p.Priority
	if priority == 0 {
		priority = desc.Priority
	}

	req := model.NewRequest(p.Provider, p.Prompt, priority, timeout)
	req.Model = p.Model
	req.Agent = p.Agent
	req.APIKeyID = p.APIKeyID
	req.ParentID = p.ParentID
	req.BypassCache = p.BypassCache
	req.Stream = p.Stream
	req.Fingerprint = cache.Fingerprint(p.Provider, resolvedModel(desc, p.Model), p.Agent, p.Prompt)

	cacheable := g.cacheEnabled() && !p.BypassCache

	// Cache hit: no queueing, the request goes queued → completed in one
	// commit with the copied entry.
	if cacheable {
		if entry, ok := g.cache.Get(ctx, req.Fingerprint); ok {
			if g.metrics != nil {
				g.metrics.RecordSubmitted()
				g.metrics.CacheHit()
			}
			resp := responseFromEntry(req.ID, entry)
			if err := g.persistImmediate(ctx, req, model.StatusCompleted, resp); err != nil {
				return nil, err
			}
			return &SubmitResult{Request: req, Response: resp}, nil
		}
		if g.metrics != nil {
			g.metrics.CacheMiss()
		}
	}

	// Bounded intake: reject before touching the store when the queue is at
	// depth, so overload never grows the database.
	if g.queue.Len() >= g.cfg.Queue.MaxDepth {
		return nil, ErrQueueFull
	}

	if err := g.st.PutRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("%s: %w", model.ErrKindStorage, err)
	}
	if g.metrics != nil {
		g.metrics.RecordSubmitted()
	}

	done := g.watch(req.ID)
	g.publishRequestEvent(events.TypeRequestSubmitted, req.ID, p.Provider, nil)

	// Single-flight: a concurrent identical request becomes a waiter on the
	// leader's completion instead of a duplicate upstream call.
	if cacheable {
		flight, leader := g.cache.BeginFlight(req.Fingerprint, req.ID)
		if !leader {
			g.spawnWaiter(req, flight)
			return &SubmitResult{Request: req, Done: done}, nil
		}
		g.mu.Lock()
		g.flights[req.ID] = flight
		g.mu.Unlock()
	}

	if err := g.queue.Push(&queue.Item{
		ID:          req.ID,
		Provider:    req.Provider,
		Priority:    req.Priority,
		SubmittedAt: req.SubmittedAt,
	}); err != nil {
		g.abandonFlight(req.ID, &cache.FlightResult{
			ErrorKind:    model.ErrKindQueueFull,
			ErrorMessage: "queue full",
		})
		g.finalize(req.ID, model.StatusQueued, &model.Response{
			RequestID:    req.ID,
			Provider:     req.Provider,
			ErrorKind:    model.ErrKindQueueFull,
			ErrorMessage: "queue full",
		})
		return nil, ErrQueueFull
	}
	if g.metrics != nil {
		g.metrics.SetQueueDepth(g.queue.Len())
	}

	return &SubmitResult{Request: req, Done: done}, nil
}

func (g *Gateway) cacheEnabled() bool {
	return g.cache != nil && g.cfg.Cache.Enabled
}

func resolvedModel(desc *config.Provider, override string) string {
	if override != "" {
		return override
	}
	return desc.Model
}

// persistImmediate stores a request that completes at intake (cache hit),
// committing row, terminal transition, and response together.
func (g *Gateway) persistImmediate(ctx context.Context, req *model.Request, to model.Status, resp *model.Response) error {
	if err := g.st.PutRequest(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", model.ErrKindStorage, err)
	}
	if err := g.st.CompleteRequest(ctx, req.ID, model.StatusQueued, to, resp); err != nil {
		return fmt.Errorf("%s: %w", model.ErrKindStorage, err)
	}
	req.Status = to

	g.publishRequestEvent(events.TypeRequestSubmitted, req.ID, req.Provider, nil)
	g.publishRequestEvent(events.TypeRequestCompleted, req.ID, req.Provider, map[string]any{"cached": true})
	return nil
}

func responseFromEntry(requestID string, e *store.CacheEntry) *model.Response {
	return &model.Response{
		RequestID:    requestID,
		Text:         e.Text,
		Thinking:     e.Thinking,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		TotalTokens:  e.TotalTokens,
		Backend:      e.Backend,
		Provider:     e.Provider,
		Cached:       true,
		CompletedAt:  time.Now().UTC(),
	}
}

// ── Waiters (single-flight followers) ────────────────────────────────────────

// spawnWaiter attaches a queued request to the in-flight leader; it copies
// the leader's outcome under its own request id.
func (g *Gateway) spawnWaiter(req *model.Request, flight *cache.Flight) {
	waitCtx, cancel := context.WithDeadline(g.baseCtx, req.Deadline)
	g.registerCancel(req.ID, cancel)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		defer g.unregisterCancel(req.ID)

		result, err := flight.Wait(waitCtx)
		if err != nil {
			kind := model.ErrKindTimedOut
			to := model.StatusTimedOut
			if errors.Is(err, context.Canceled) {
				kind = model.ErrKindCancelled
				to = model.StatusCancelled
			}
			g.finalize(req.ID, model.StatusQueued, &model.Response{
				RequestID:    req.ID,
				Provider:     req.Provider,
				ErrorKind:    kind,
				ErrorMessage: "single-flight wait: " + err.Error(),
			}, withStatus(to))
			return
		}

		if result.Entry != nil {
			resp := responseFromEntry(req.ID, result.Entry)
			g.finalize(req.ID, model.StatusQueued, resp, withStatus(model.StatusCompleted))
			return
		}

		// Waiters fail identically to the leader.
		g.finalize(req.ID, model.StatusQueued, &model.Response{
			RequestID:    req.ID,
			Provider:     req.Provider,
			ErrorKind:    result.ErrorKind,
			ErrorMessage: result.ErrorMessage,
		})
	}()
}

// abandonFlight completes a registered flight with a failure, releasing any
// waiters. No-op when the request leads no flight.
func (g *Gateway) abandonFlight(requestID string, result *cache.FlightResult) {
	g.mu.Lock()
	flight := g.flights[requestID]
	delete(g.flights, requestID)
	g.mu.Unlock()

	if flight != nil {
		g.cache.CompleteFlight(g.baseCtx, flight, result, false)
	}
}

// ── Cancellation ─────────────────────────────────────────────────────────────

// Cancel cancels a request. Queued requests are removed and committed as
// cancelled immediately; processing requests get their ctx signalled and the
// worker commits within the grace window. Terminal requests return
// ErrConflict.
func (g *Gateway) Cancel(ctx context.Context, id string) error {
	req, err := g.st.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("gateway: request %s already %s: %w", id, req.Status, store.ErrConflict)
	}

	if g.queue.Remove(id) {
		if g.metrics != nil {
			g.metrics.SetQueueDepth(g.queue.Len())
		}
		g.abandonFlight(id, &cache.FlightResult{
			ErrorKind:    model.ErrKindCancelled,
			ErrorMessage: "request cancelled",
		})
		g.finalize(id, model.StatusQueued, &model.Response{
			RequestID:    id,
			Provider:     req.Provider,
			ErrorKind:    model.ErrKindCancelled,
			ErrorMessage: "cancelled while queued",
		}, withStatus(model.StatusCancelled))
		return nil
	}

	// Waiter or processing: signal its ctx; the owning goroutine commits the
	// cancelled transition.
	g.mu.Lock()
	cancel := g.cancels[id]
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}

	// Neither queued nor tracked: it reached a terminal state in between.
	return fmt.Errorf("gateway: request %s: %w", id, store.ErrConflict)
}

func (g *Gateway) registerCancel(id string, cancel context.CancelFunc) {
	g.mu.Lock()
	g.cancels[id] = cancel
	g.mu.Unlock()
}

func (g *Gateway) unregisterCancel(id string) {
	g.mu.Lock()
	delete(g.cancels, id)
	g.mu.Unlock()
}

// ── Watchers ─────────────────────────────────────────────────────────────────

// watch registers a completion channel for id. The channel receives the
// terminal response exactly once.
func (g *Gateway) watch(id string) <-chan *model.Response {
	ch := make(chan *model.Response, 1)
	g.mu.Lock()
	g.watchers[id] = append(g.watchers[id], ch)
	g.mu.Unlock()
	return ch
}

func (g *Gateway) notifyWatchers(id string, resp *model.Response) {
	g.mu.Lock()
	chans := g.watchers[id]
	delete(g.watchers, id)
	g.mu.Unlock()

	for _, ch := range chans {
		ch <- resp
	}
}

// ── Terminal commit ──────────────────────────────────────────────────────────

type finalizeOpt func(*finalizeState)

type finalizeState struct {
	status model.Status
}

// withStatus overrides the terminal status derived from the response's error
// kind.
func withStatus(s model.Status) finalizeOpt {
	return func(f *finalizeState) { f.status = s }
}

// statusForKind derives the terminal status from an error kind.
func statusForKind(kind model.ErrorKind) model.Status {
	switch kind {
	case "":
		return model.StatusCompleted
	case model.ErrKindCancelled:
		return model.StatusCancelled
	case model.ErrKindTimedOut:
		return model.StatusTimedOut
	default:
		return model.StatusFailed
	}
}

// finalize commits the terminal transition + response, then publishes the
// event and wakes watchers — strictly in that order.
func (g *Gateway) finalize(id string, from model.Status, resp *model.Response, opts ...finalizeOpt) {
	st := finalizeState{status: statusForKind(resp.ErrorKind)}
	for _, opt := range opts {
		opt(&st)
	}

	if resp.CompletedAt.IsZero() {
		resp.CompletedAt = time.Now().UTC()
	}

	if err := g.st.CompleteRequest(g.baseCtx, id, from, st.status, resp); err != nil {
		// A conflict here means another path won the terminal race (e.g.
		// cancel vs completion) — the store stays as the winner wrote it.
		if !errors.Is(err, store.ErrConflict) {
			g.log.Error("terminal commit failed",
				slog.String("request_id", id),
				slog.String("error", err.Error()))
		}
		return
	}

	eventType := events.TypeRequestCompleted
	switch st.status {
	case model.StatusFailed, model.StatusTimedOut:
		eventType = events.TypeRequestFailed
	case model.StatusCancelled:
		eventType = events.TypeRequestCancelled
	}

	var data map[string]any
	if resp.ErrorKind != "" {
		data = map[string]any{"error_kind": string(resp.ErrorKind)}
	} else if resp.Cached {
		data = map[string]any{"cached": true}
	}
	g.publishRequestEvent(eventType, id, resp.Provider, data)

	if g.metrics != nil {
		switch st.status {
		case model.StatusCompleted:
			g.metrics.RecordCompleted(resp.Provider)
		default:
			g.metrics.RecordFailed(resp.Provider, string(resp.ErrorKind))
		}
	}

	g.notifyWatchers(id, resp)
}

func (g *Gateway) publishRequestEvent(typ, requestID, provider string, data map[string]any) {
	e := events.New(events.ChannelRequests, typ)
	e.RequestID = requestID
	e.Provider = provider
	e.Data = data
	g.bus.Publish(e)
}
