// Package telemetry emits the Telemetry Hooks (spec component G) via a
// private Prometheus registry, following the reference project's own
// promhttp-backed /metrics endpoint.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Hooks bundles the counters, histograms, and gauge the rest of the
// invoker records against. Emission is always non-blocking: callers
// use Inc/Observe/Set directly, which the client library itself never
// blocks on under load (samples are simply dropped if a scrape can't
// keep up).
type Hooks struct {
	registry *prometheus.Registry

	Activations          *prometheus.CounterVec
	ColdStarts           prometheus.Counter
	ConcurrencyLimitHits prometheus.Counter
	TimeLimitHits        prometheus.Counter

	WaitTime     prometheus.Histogram
	InitTime     prometheus.Histogram
	RunDuration  prometheus.Histogram
	ResponseSize prometheus.Histogram

	MemoryInUseMB prometheus.Gauge
}

// New registers and returns the hook set. Handler exposes it for
// mounting on the admin server's /metrics route.
func New() *Hooks {
	reg := prometheus.NewRegistry()

	h := &Hooks{
		registry: reg,
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoker_activations_total",
			Help: "Activations processed, labeled by status.",
		}, []string{"status"}),
		ColdStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoker_cold_starts_total",
			Help: "Activations that required creating or initializing a container.",
		}),
		ConcurrencyLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoker_concurrency_limit_hits_total",
			Help: "Run attempts rejected because a container was already at its concurrent-activation limit.",
		}),
		TimeLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoker_time_limit_hits_total",
			Help: "Activations that exceeded their configured time limit.",
		}),
		WaitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_wait_seconds",
			Help:    "Time an activation spent queued before a container was assigned.",
			Buckets: prometheus.DefBuckets,
		}),
		InitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_init_seconds",
			Help:    "Time spent initializing a container with action code.",
			Buckets: prometheus.DefBuckets,
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_run_seconds",
			Help:    "Time spent executing an activation's user code.",
			Buckets: prometheus.DefBuckets,
		}),
		ResponseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoker_response_bytes",
			Help:    "Size of activation response bodies.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		MemoryInUseMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoker_memory_used_mb",
			Help: "Aggregate container memory currently reserved.",
		}),
	}

	reg.MustRegister(
		h.Activations, h.ColdStarts, h.ConcurrencyLimitHits, h.TimeLimitHits,
		h.WaitTime, h.InitTime, h.RunDuration, h.ResponseSize, h.MemoryInUseMB,
	)

	return h
}

// Handler returns the promhttp handler for this registry's /metrics
// route.
func (h *Hooks) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
