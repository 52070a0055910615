package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccbridge/gateway/internal/backend"
	gwCache "github.com/ccbridge/gateway/internal/cache"
	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/events"
	"github.com/ccbridge/gateway/internal/model"
	"github.com/ccbridge/gateway/internal/store"
)

// --- helpers ----------------------------------------------------------------

// stubBackend is a scriptable backend double with a call counter.
type stubBackend struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req *model.Request) *backend.Result
}

func (s *stubBackend) Name() string            { return s.name }
func (s *stubBackend) Type() model.BackendType { return model.BackendHTTP }

func (s *stubBackend) Execute(ctx context.Context, req *model.Request) *backend.Result {
	s.calls.Add(1)
	return s.fn(ctx, req)
}

func (s *stubBackend) HealthCheck(context.Context) error     { return nil }
func (s *stubBackend) EstimatedCost(*model.Request) float64  { return 0 }

// okStub always succeeds with the given text.
func okStub(name, text string) *stubBackend {
	return &stubBackend{name: name, fn: func(_ context.Context, _ *model.Request) *backend.Result {
		return &backend.Result{
			Status:       backend.StatusSuccess,
			Text:         text,
			InputTokens:  3,
			OutputTokens: 1,
		}
	}}
}

// failStub always fails with the given status.
func failStub(name string, status backend.Status) *stubBackend {
	return &stubBackend{name: name, fn: func(_ context.Context, _ *model.Request) *backend.Result {
		return &backend.Result{Status: status, Message: name + ": synthetic failure"}
	}}
}

type testEnv struct {
	gw  *Gateway
	st  *store.SQLiteStore
	bus *events.Bus
	cfg *config.Config
}

// newTestEnv builds a gateway over stub backends with fast retry timing.
// mutate tweaks the config before construction.
func newTestEnv(t *testing.T, backends map[string]backend.Backend, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Listen:   ":0",
		LogLevel: "info",
		Retry:    config.Retry{Enabled: true, MaxAttempts: 3, BaseBackoffMs: 1},
		Cache:    config.Cache{Enabled: true, DefaultTTLS: 3600, MaxEntries: 100},
		Health:   config.Health{IntervalS: 3600, Window: 10, SuccessThreshold: 0.7, DownAfterFailures: 3},
		Queue:    config.Queue{MaxDepth: 100, SkipAhead: 8},
		Storage:  config.Storage{Path: filepath.Join(t.TempDir(), "gw.db")},
		Workers:  config.Workers{Count: 2, CancelGraceS: 2},
	}
	for name := range backends {
		cfg.Providers = append(cfg.Providers, config.Provider{
			Name:        name,
			BackendType: "http_api",
			Enabled:     true,
			TimeoutS:    30,
			Concurrency: 2,
		})
	}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(256, nil)
	t.Cleanup(bus.Close)

	var cacheMgr *gwCache.Manager
	if cfg.Cache.Enabled {
		cacheMgr = gwCache.NewManager(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes, st, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	gw, err := New(ctx, Options{
		Config:   cfg,
		Store:    st,
		Cache:    cacheMgr,
		Bus:      bus,
		Backends: backends,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(gw.Close)

	return &testEnv{gw: gw, st: st, bus: bus, cfg: cfg}
}

// submitAndWait submits and blocks for the terminal response.
func submitAndWait(t *testing.T, env *testEnv, p SubmitParams) (*model.Request, *model.Response) {
	t.Helper()
	result, err := env.gw.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Response != nil {
		return result.Request, result.Response
	}
	select {
	case resp := <-result.Done:
		return result.Request, resp
	case <-time.After(10 * time.Second):
		t.Fatalf("request %s never reached a terminal state", result.Request.ID)
		return nil, nil
	}
}

// waitForStatus polls the store until the request reaches want.
func waitForStatus(t *testing.T, env *testEnv, id string, want model.Status, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		req, err := env.st.GetRequest(context.Background(), id)
		if err == nil && req.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	req, _ := env.st.GetRequest(context.Background(), id)
	t.Fatalf("request %s did not reach %s within %v (now %s)", id, want, within, req.Status)
}

// --- scenarios --------------------------------------------------------------

// TestSimpleSuccess: submit → completed with the backend's text and tokens.
func TestSimpleSuccess(t *testing.T) {
	stub := okStub("P", "hi")
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	req, resp := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "hello"})

	if resp.ErrorKind != "" {
		t.Fatalf("error = %s %s", resp.ErrorKind, resp.ErrorMessage)
	}
	if resp.Text != "hi" {
		t.Errorf("text = %q, want hi", resp.Text)
	}
	if resp.TotalTokens != 4 {
		t.Errorf("total tokens = %d, want 4", resp.TotalTokens)
	}
	if resp.Cached {
		t.Error("first call must not be cached")
	}
	if resp.Provider != "P" {
		t.Errorf("provider_used = %s", resp.Provider)
	}

	stored, err := env.st.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.StatusCompleted {
		t.Errorf("stored status = %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", stored.Attempts)
	}
}

// TestCacheHit: an identical second submit is served from cache without
// touching the backend again.
func TestCacheHit(t *testing.T) {
	stub := okStub("P", "hi")
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	_, first := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "hello"})
	if first.Cached {
		t.Fatal("first response must not be cached")
	}

	req2, second := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "hello"})
	if !second.Cached {
		t.Fatal("second response must be cached")
	}
	if second.Text != "hi" {
		t.Errorf("cached text = %q", second.Text)
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("backend invoked %d times, want exactly 1", got)
	}

	// The cached request still has its own completed row and response.
	stored, _ := env.st.GetRequest(context.Background(), req2.ID)
	if stored.Status != model.StatusCompleted {
		t.Errorf("cached request status = %s", stored.Status)
	}
	if _, err := env.st.GetResponse(context.Background(), req2.ID); err != nil {
		t.Errorf("cached request response row: %v", err)
	}
}

// TestBypassCache: bypass_cache forces a fresh upstream call.
func TestBypassCache(t *testing.T) {
	stub := okStub("P", "hi")
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "hello"})
	_, resp := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "hello", BypassCache: true})

	if resp.Cached {
		t.Error("bypass_cache response must not be cached")
	}
	if got := stub.calls.Load(); got != 2 {
		t.Errorf("backend invoked %d times, want 2", got)
	}
}

// TestFallback: P1 fails transiently, P2 serves; the response records P2 and
// the cli channel shows executions on both.
func TestFallback(t *testing.T) {
	p1 := failStub("P1", backend.StatusTransient)
	p2 := okStub("P2", "rescued")

	env := newTestEnv(t, map[string]backend.Backend{"P1": p1, "P2": p2}, func(cfg *config.Config) {
		for i := range cfg.Providers {
			if cfg.Providers[i].Name == "P1" {
				cfg.Providers[i].FallbackChain = []string{"P2"}
			}
		}
	})

	sub := env.bus.Subscribe([]events.Channel{events.ChannelCLI})
	defer env.bus.Unsubscribe(sub)

	_, resp := submitAndWait(t, env, SubmitParams{Provider: "P1", Prompt: "x"})

	if resp.ErrorKind != "" {
		t.Fatalf("error = %s %s", resp.ErrorKind, resp.ErrorMessage)
	}
	if resp.Text != "rescued" || resp.Provider != "P2" {
		t.Errorf("text=%q provider_used=%s, want rescued/P2", resp.Text, resp.Provider)
	}

	// Executing events must name both providers.
	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !(seen["P1"] && seen["P2"]) {
		select {
		case payload := <-sub.Out():
			var e events.Event
			if err := unmarshalEvent(payload, &e); err != nil {
				t.Fatal(err)
			}
			if e.Type == events.TypeCLIExecuting {
				seen[e.Provider] = true
			}
		case <-timeout:
			t.Fatalf("executing events seen = %v, want both P1 and P2", seen)
		}
	}
}

// TestRetryThenGiveUp: a permanently transient provider with no fallback
// fails after exactly max_attempts tries.
func TestRetryThenGiveUp(t *testing.T) {
	stub := failStub("P", backend.StatusTransient)
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	req, resp := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "x"})

	if resp.ErrorKind != model.ErrKindTransient {
		t.Errorf("error kind = %s, want transient_backend", resp.ErrorKind)
	}
	stored, _ := env.st.GetRequest(context.Background(), req.ID)
	if stored.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", stored.Attempts)
	}
	if got := stub.calls.Load(); got != 3 {
		t.Errorf("backend invoked %d times, want 3", got)
	}
}

// TestAuthFailureNotRetried: auth_required moves on without retries.
func TestAuthFailureNotRetried(t *testing.T) {
	stub := failStub("P", backend.StatusAuth)
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	_, resp := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "x"})

	if resp.ErrorKind != model.ErrKindAuth {
		t.Errorf("error kind = %s, want auth_required", resp.ErrorKind)
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("auth failure retried: %d calls", got)
	}
}

// TestPriorityDispatch: with concurrency 1, a high-priority late arrival
// dispatches before earlier low-priority requests.
func TestPriorityDispatch(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	stub := &stubBackend{name: "P"}
	first := true
	stub.fn = func(_ context.Context, req *model.Request) *backend.Result {
		mu.Lock()
		blockMe := first
		first = false
		order = append(order, req.Prompt)
		mu.Unlock()
		if blockMe {
			<-release
		}
		return &backend.Result{Status: backend.StatusSuccess, Text: "ok"}
	}

	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, func(cfg *config.Config) {
		cfg.Providers[0].Concurrency = 1
		cfg.Workers.Count = 1
	})

	// Occupy the single slot.
	blocker, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: "blocker", Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, env, blocker.Request.ID, model.StatusProcessing, 2*time.Second)

	// Ten low-priority requests, then one high-priority.
	var waits []<-chan *model.Response
	for i := 0; i < 10; i++ {
		r, err := env.gw.Submit(context.Background(), SubmitParams{
			Provider: "P", Prompt: fmt.Sprintf("low-%d", i), Priority: 1,
		})
		if err != nil {
			t.Fatal(err)
		}
		waits = append(waits, r.Done)
	}
	high, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: "high", Priority: 100})
	if err != nil {
		t.Fatal(err)
	}

	close(release)

	select {
	case <-high.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("high-priority request never completed")
	}
	for _, w := range waits {
		select {
		case <-w:
		case <-time.After(5 * time.Second):
			t.Fatal("low-priority request never completed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 {
		t.Fatalf("order = %v", order)
	}
	if order[0] != "blocker" || order[1] != "high" {
		t.Errorf("dispatch order = %v, want blocker then high first", order[:2])
	}
}

// TestCancelMidFlight: cancelling a processing request reaches cancelled
// within the grace window; a second cancel conflicts.
func TestCancelMidFlight(t *testing.T) {
	stub := &stubBackend{name: "P"}
	stub.fn = func(ctx context.Context, _ *model.Request) *backend.Result {
		select {
		case <-ctx.Done():
			return &backend.Result{Status: backend.StatusTransient, Message: ctx.Err().Error()}
		case <-time.After(10 * time.Second):
			return &backend.Result{Status: backend.StatusSuccess, Text: "too late"}
		}
	}
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	result, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	id := result.Request.ID
	waitForStatus(t, env, id, model.StatusProcessing, 2*time.Second)

	if err := env.gw.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForStatus(t, env, id, model.StatusCancelled, 2*time.Second)

	resp, err := env.st.GetResponse(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ErrorKind != model.ErrKindCancelled {
		t.Errorf("error kind = %s, want cancelled", resp.ErrorKind)
	}

	// Cancellation of a terminal request is a conflict and changes nothing.
	if err := env.gw.Cancel(context.Background(), id); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second cancel = %v, want ErrConflict", err)
	}
}

// TestCancelQueued: a queued request is removed and committed cancelled
// without ever running.
func TestCancelQueued(t *testing.T) {
	release := make(chan struct{})
	stub := &stubBackend{name: "P"}
	stub.fn = func(_ context.Context, _ *model.Request) *backend.Result {
		<-release
		return &backend.Result{Status: backend.StatusSuccess, Text: "ok"}
	}
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, func(cfg *config.Config) {
		cfg.Providers[0].Concurrency = 1
		cfg.Workers.Count = 1
	})
	defer close(release)

	blocker, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: "blocker"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, env, blocker.Request.ID, model.StatusProcessing, 2*time.Second)

	queued, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: "waiting"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.gw.Cancel(context.Background(), queued.Request.ID); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	waitForStatus(t, env, queued.Request.ID, model.StatusCancelled, time.Second)

	// Only the blocker ever reached the backend.
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (blocker only)", got)
	}
}

// TestSingleFlightCoalescing: concurrent identical submissions share one
// upstream call; all callers get the same text.
func TestSingleFlightCoalescing(t *testing.T) {
	stub := &stubBackend{name: "P"}
	stub.fn = func(_ context.Context, _ *model.Request) *backend.Result {
		time.Sleep(100 * time.Millisecond)
		return &backend.Result{Status: backend.StatusSuccess, Text: "shared", InputTokens: 1, OutputTokens: 1}
	}
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	const n = 5
	var wg sync.WaitGroup
	texts := make([]string, n)
	ids := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, resp := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "same prompt"})
			texts[i] = resp.Text
			ids[i] = req.ID
		}(i)
	}
	wg.Wait()

	if got := stub.calls.Load(); got != 1 {
		t.Errorf("upstream called %d times for one fingerprint, want 1", got)
	}
	idSet := map[string]bool{}
	for i := 0; i < n; i++ {
		if texts[i] != "shared" {
			t.Errorf("caller %d text = %q", i, texts[i])
		}
		idSet[ids[i]] = true
	}
	if len(idSet) != n {
		t.Errorf("each caller must own a distinct request id, got %d", len(idSet))
	}

	// Every request row is terminal with its own response.
	for id := range idSet {
		stored, _ := env.st.GetRequest(context.Background(), id)
		if stored == nil || stored.Status != model.StatusCompleted {
			t.Errorf("request %s not completed", id)
		}
	}
}

// TestSingleFlightFailurePropagates: waiters fail identically to the leader.
func TestSingleFlightFailurePropagates(t *testing.T) {
	stub := &stubBackend{name: "P"}
	stub.fn = func(_ context.Context, _ *model.Request) *backend.Result {
		time.Sleep(50 * time.Millisecond)
		return &backend.Result{Status: backend.StatusPermanent, Message: "nope"}
	}
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 1
	})

	var wg sync.WaitGroup
	kinds := make([]model.ErrorKind, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, resp := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "doomed"})
			kinds[i] = resp.ErrorKind
		}(i)
	}
	wg.Wait()

	for i, k := range kinds {
		if k != model.ErrKindPermanent {
			t.Errorf("caller %d error kind = %s, want permanent_backend", i, k)
		}
	}
	// Failures are not cached: a later submit calls upstream again.
	before := stub.calls.Load()
	submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "doomed"})
	if stub.calls.Load() == before {
		t.Error("failed result must not be served from cache")
	}
}

// TestQueueFull: intake beyond max depth is rejected.
func TestQueueFull(t *testing.T) {
	release := make(chan struct{})
	stub := &stubBackend{name: "P"}
	stub.fn = func(_ context.Context, _ *model.Request) *backend.Result {
		<-release
		return &backend.Result{Status: backend.StatusSuccess, Text: "ok"}
	}
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, func(cfg *config.Config) {
		cfg.Queue.MaxDepth = 2
		cfg.Providers[0].Concurrency = 1
		cfg.Workers.Count = 1
		cfg.Cache.Enabled = false
	})
	defer close(release)

	// One processing + two queued fills the queue.
	first, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: "p0"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, env, first.Request.ID, model.StatusProcessing, 2*time.Second)
	for i := 1; i <= 2; i++ {
		if _, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: fmt.Sprintf("p%d", i)}); err != nil {
			t.Fatalf("fill submit %d: %v", i, err)
		}
	}

	_, err = env.gw.Submit(context.Background(), SubmitParams{Provider: "P", Prompt: "overflow"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("overflow submit = %v, want ErrQueueFull", err)
	}
}

// TestUnknownProviderRejected at intake.
func TestUnknownProviderRejected(t *testing.T) {
	env := newTestEnv(t, map[string]backend.Backend{"P": okStub("P", "hi")}, nil)
	_, err := env.gw.Submit(context.Background(), SubmitParams{Provider: "ghost", Prompt: "x"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
}

// TestTimeout: a request whose deadline passes mid-flight becomes timed_out.
func TestTimeout(t *testing.T) {
	stub := &stubBackend{name: "P"}
	stub.fn = func(ctx context.Context, _ *model.Request) *backend.Result {
		<-ctx.Done()
		return &backend.Result{Status: backend.StatusTransient, Message: ctx.Err().Error()}
	}
	env := newTestEnv(t, map[string]backend.Backend{"P": stub}, nil)

	req, resp := submitAndWait(t, env, SubmitParams{
		Provider: "P", Prompt: "slow", Timeout: 150 * time.Millisecond,
	})

	if resp.ErrorKind != model.ErrKindTimedOut {
		t.Errorf("error kind = %s, want timed_out", resp.ErrorKind)
	}
	stored, _ := env.st.GetRequest(context.Background(), req.ID)
	if stored.Status != model.StatusTimedOut {
		t.Errorf("status = %s, want timed_out", stored.Status)
	}
}

// TestStatusPrefixInvariant: the audit trail for any request is a prefix of
// queued → processing → terminal.
func TestStatusPrefixInvariant(t *testing.T) {
	env := newTestEnv(t, map[string]backend.Backend{"P": okStub("P", "hi")}, nil)
	req, _ := submitAndWait(t, env, SubmitParams{Provider: "P", Prompt: "audit me"})

	trail, err := env.st.Transitions(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 {
		t.Fatalf("transitions = %d, want 2", len(trail))
	}
	if trail[0].From != model.StatusQueued || trail[0].To != model.StatusProcessing {
		t.Errorf("first edge = %+v", trail[0])
	}
	if trail[1].From != model.StatusProcessing || trail[1].To != model.StatusCompleted {
		t.Errorf("second edge = %+v", trail[1])
	}
}

func unmarshalEvent(payload []byte, e *events.Event) error {
	return json.Unmarshal(payload, e)
}
