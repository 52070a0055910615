// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — embedded database, schema, startup recovery runs inside
//     gateway.Start
//  2. initServices — event bus, cache, rate limiter, metrics, cost recorder
//  3. initMonitor  — provider backends + health prober
//  4. initGateway  — queue, workers, HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ccbridge/gateway/internal/backend"
	gwCache "github.com/ccbridge/gateway/internal/cache"
	"github.com/ccbridge/gateway/internal/config"
	"github.com/ccbridge/gateway/internal/costs"
	"github.com/ccbridge/gateway/internal/events"
	"github.com/ccbridge/gateway/internal/gateway"
	"github.com/ccbridge/gateway/internal/health"
	"github.com/ccbridge/gateway/internal/metrics"
	"github.com/ccbridge/gateway/internal/ratelimit"
	"github.com/ccbridge/gateway/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st       *store.SQLiteStore
	bus      *events.Bus
	cache    *gwCache.Manager
	limiter  *ratelimit.Limiter
	prom     *metrics.Registry
	recorder *costs.Recorder

	backends map[string]backend.Backend
	monitor  *health.Monitor

	gw *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"services", a.initServices},
		{"monitor", a.initMonitor},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run performs startup recovery, starts the workers and health prober, and
// serves HTTP until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.gw.Start(ctx); err != nil {
		return err
	}
	a.monitor.Start(ctx)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.Listen),
		slog.Int("providers", len(a.backends)),
		slog.Bool("cache", a.cfg.Cache.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(a.cfg.Listen, a.prom.Handler())
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.monitor != nil {
		a.monitor.Close()
		a.monitor = nil
	}
	if a.recorder != nil {
		a.recorder.Close()
		a.recorder = nil
	}
	if a.bus != nil {
		a.bus.Close()
		a.bus = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}
