// Package metrics exposes Prometheus instruments for cost calculation and
// aggregate maintenance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service instruments. Build it with New.
type Metrics struct {
	// Calculations counts engine runs by category and result ("ok", "invalid", "domain").
	Calculations *prometheus.CounterVec
	// Recomputes counts aggregate recomputations by result ("ok", "error").
	Recomputes *prometheus.CounterVec
	// RecomputeDuration tracks the time spent in one recompute transaction.
	RecomputeDuration prometheus.Histogram
	// StaleMarked counts aggregates flagged stale by propagation.
	StaleMarked prometheus.Counter
	// SweepRefreshed counts stale aggregates refreshed by the periodic sweep.
	SweepRefreshed prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg, reg)
}

// NewWith registers the instruments on reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calculations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bomcost_calculations_total",
			Help: "Cost engine runs by category and result",
		}, []string{"category", "result"}),
		Recomputes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bomcost_aggregate_recomputes_total",
			Help: "Aggregate recomputations by result",
		}, []string{"result"}),
		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bomcost_aggregate_recompute_duration_seconds",
			Help:    "Aggregate recompute duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		StaleMarked: f.NewCounter(prometheus.CounterOpts{
			Name: "bomcost_aggregates_marked_stale_total",
			Help: "Aggregates marked stale by ancestor propagation",
		}),
		SweepRefreshed: f.NewCounter(prometheus.CounterOpts{
			Name: "bomcost_sweep_refreshed_total",
			Help: "Stale aggregates refreshed by the periodic sweep",
		}),
		gatherer: g,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
