// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /api/metrics handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_requests_submitted_total
	submitted prometheus.Counter

	// gateway_requests_completed_total{provider}
	completed *prometheus.CounterVec

	// gateway_requests_failed_total{provider,kind}
	failed *prometheus.CounterVec

	// gateway_cache_hits_total / gateway_cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_retries_total{provider}
	retries *prometheus.CounterVec

	// gateway_fallbacks_total{from,to}
	fallbacks *prometheus.CounterVec

	// gateway_provider_latency_seconds{provider}
	providerLatency *prometheus.HistogramVec

	// gateway_queue_wait_seconds
	queueWait prometheus.Histogram

	// gateway_inflight_requests{provider}
	inFlight *prometheus.GaugeVec

	// gateway_queue_depth
	queueDepth prometheus.Gauge

	// gateway_provider_health{provider} — 1 ok, 0.5 degraded, 0 down
	providerHealth *prometheus.GaugeVec

	// gateway_ws_clients
	wsClients prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_requests_submitted_total",
			Help: "Total requests accepted by intake",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_completed_total",
			Help: "Total requests that reached completed",
		}, []string{"provider"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_failed_total",
			Help: "Total requests that reached a failure terminal state",
		}, []string{"provider", "kind"}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Responses served from the fingerprint cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Cache lookups that fell through to a backend",
		}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Retry attempts after a retryable backend failure",
		}, []string{"provider"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_fallbacks_total",
			Help: "Provider switches along a fallback chain",
		}, []string{"from", "to"}),

		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_latency_seconds",
			Help:    "Backend execute latency per provider",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_queue_wait_seconds",
			Help:    "Time from submit to dispatch",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Requests currently processing per provider",
		}, []string{"provider"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Current priority queue depth",
		}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_health",
			Help: "Provider health: 1 ok, 0.5 degraded, 0 down",
		}, []string{"provider"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_clients",
			Help: "Connected WebSocket clients",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build metadata",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.submitted, r.completed, r.failed,
		r.cacheHits, r.cacheMisses,
		r.retries, r.fallbacks,
		r.providerLatency, r.queueWait,
		r.inFlight, r.queueDepth, r.providerHealth, r.wsClients,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

func (r *Registry) RecordSubmitted()              { r.submitted.Inc() }
func (r *Registry) RecordCompleted(provider string) { r.completed.WithLabelValues(provider).Inc() }

func (r *Registry) RecordFailed(provider, kind string) {
	r.failed.WithLabelValues(provider, kind).Inc()
}

func (r *Registry) CacheHit()  { r.cacheHits.Inc() }
func (r *Registry) CacheMiss() { r.cacheMisses.Inc() }

func (r *Registry) RecordRetry(provider string) { r.retries.WithLabelValues(provider).Inc() }

func (r *Registry) RecordFallback(from, to string) {
	r.fallbacks.WithLabelValues(from, to).Inc()
}

func (r *Registry) ObserveProviderLatency(provider string, d time.Duration) {
	r.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (r *Registry) ObserveQueueWait(d time.Duration) { r.queueWait.Observe(d.Seconds()) }

func (r *Registry) IncInFlight(provider string) { r.inFlight.WithLabelValues(provider).Inc() }
func (r *Registry) DecInFlight(provider string) { r.inFlight.WithLabelValues(provider).Dec() }

func (r *Registry) SetQueueDepth(n int) { r.queueDepth.Set(float64(n)) }

// SetProviderHealth maps a health status string to the gauge encoding.
func (r *Registry) SetProviderHealth(provider, health string) {
	v := 0.0
	switch health {
	case "ok":
		v = 1
	case "degraded":
		v = 0.5
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) IncWSClients() { r.wsClients.Inc() }
func (r *Registry) DecWSClients() { r.wsClients.Dec() }

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving the text exposition format.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
