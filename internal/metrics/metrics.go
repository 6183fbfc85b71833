// Package metrics exposes Prometheus collectors for executions, the
// concurrency gate, and the rate limiter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/runbox/internal/executor"
)

const namespace = "runbox"

// GateStats is the read side of the concurrency gate. *gate.Gate implements it.
type GateStats interface {
	Limit() int
	InFlight() int64
	Waiting() int64
	Peak() int64
	Rejected() int64
}

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RateLimitHits     prometheus.Counter
}

// New registers the execution collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of completed executions.",
			},
			[]string{"language", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time of completed executions, build included.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"language"},
		),
		RateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the per-client rate limiter.",
			},
		),
	}
}

// ExecutionFinished records one execution.
func (m *Metrics) ExecutionFinished(language string, status executor.Status, wall time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(wall.Seconds())
}

// RateLimited counts one rejected request.
func (m *Metrics) RateLimited() {
	m.RateLimitHits.Inc()
}

// ObserveGate exports the gate's counters as gauges read at scrape time.
func (m *Metrics) ObserveGate(g GateStats) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "gate", Name: "limit",
		Help: "Maximum concurrent executions.",
	}, func() float64 { return float64(g.Limit()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "gate", Name: "in_flight",
		Help: "Executions currently holding a permit.",
	}, func() float64 { return float64(g.InFlight()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "gate", Name: "waiting",
		Help: "Requests queued for a permit.",
	}, func() float64 { return float64(g.Waiting()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "gate", Name: "peak_in_flight",
		Help: "Highest number of concurrent executions since start.",
	}, func() float64 { return float64(g.Peak()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "gate", Name: "rejections_total",
		Help: "Requests turned away because the gate was full.",
	}, func() float64 { return float64(g.Rejected()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
