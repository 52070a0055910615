package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ccbridge/gateway/internal/backend"
	gwCache "github.com/ccbridge/gateway/internal/cache"
	"github.com/ccbridge/gateway/internal/costs"
	"github.com/ccbridge/gateway/internal/events"
	"github.com/ccbridge/gateway/internal/gateway"
	"github.com/ccbridge/gateway/internal/health"
	"github.com/ccbridge/gateway/internal/metrics"
	"github.com/ccbridge/gateway/internal/ratelimit"
	"github.com/ccbridge/gateway/internal/store"
)

// initStore opens the embedded state database.
func (a *App) initStore(_ context.Context) error {
	st, err := store.Open(a.cfg.Storage.Path)
	if err != nil {
		return err
	}
	a.st = st
	return nil
}

// initServices creates the event bus, cache, rate limiter, metrics registry,
// and cost recorder.
func (a *App) initServices(_ context.Context) error {
	a.bus = events.NewBus(events.DefaultBufferSize, a.log)

	if a.cfg.Cache.Enabled {
		a.cache = gwCache.NewManager(a.cfg.Cache.MaxEntries, a.cfg.Cache.MaxBytes, a.st, a.log)
		a.log.Info("cache enabled",
			slog.Int("max_entries", a.cfg.Cache.MaxEntries),
			slog.Int64("max_bytes", a.cfg.Cache.MaxBytes),
		)
	} else {
		a.log.Info("cache disabled")
	}

	a.limiter = ratelimit.New(a.cfg.RateLimit.DefaultRPM, a.cfg.RateLimit.Burst, a.cfg.RateLimit.GlobalRPM)
	if a.cfg.RateLimit.DefaultRPM > 0 || a.cfg.RateLimit.GlobalRPM > 0 {
		a.log.Info("rate limiting enabled",
			slog.Int("default_rpm", a.cfg.RateLimit.DefaultRPM),
			slog.Int("global_rpm", a.cfg.RateLimit.GlobalRPM),
		)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.recorder = costs.New(a.baseCtx, a.st, a.log)

	return nil
}

// initMonitor builds one backend per enabled provider descriptor and the
// health prober over them.
func (a *App) initMonitor(_ context.Context) error {
	backend.SetRetryableStatuses(a.cfg.Retry.RetryStatuses)
	backend.SetCancelGrace(a.cfg.Workers.CancelGrace())

	a.backends = make(map[string]backend.Backend, len(a.cfg.Providers))
	enabled := make(map[string]bool, len(a.cfg.Providers))

	for i := range a.cfg.Providers {
		p := &a.cfg.Providers[i]
		b, err := backend.New(p)
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.Name, err)
		}
		a.backends[p.Name] = b
		enabled[p.Name] = p.Enabled
	}

	if len(a.backends) == 0 {
		return fmt.Errorf("no providers configured")
	}

	a.monitor = health.NewMonitor(a.backends, enabled, health.Options{
		Interval:         a.cfg.Health.Interval(),
		Window:           a.cfg.Health.Window,
		SuccessThreshold: a.cfg.Health.SuccessThreshold,
		DownAfter:        a.cfg.Health.DownAfterFailures,
	}, a.bus, a.log)

	names := make([]string, 0, len(a.backends))
	for n := range a.backends {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initGateway wires the core orchestrator.
func (a *App) initGateway(_ context.Context) error {
	gw, err := gateway.New(a.baseCtx, gateway.Options{
		Config:   a.cfg,
		Store:    a.st,
		Cache:    a.cache,
		Bus:      a.bus,
		Limiter:  a.limiter,
		Monitor:  a.monitor,
		Metrics:  a.prom,
		Costs:    a.recorder,
		Logger:   a.log,
		Backends: a.backends,
	})
	if err != nil {
		return err
	}
	a.gw = gw
	return nil
}
