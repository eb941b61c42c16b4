// Package metrics provides Prometheus instrumentation for scrapeflow schedulers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances recorded by the scrape engine.
// Every metric is labelled by scheduler name so several schedulers can
// share one Prometheus registry.
type Registry struct {
	// Cycle Metrics
	CyclesStarted   *prometheus.CounterVec
	CyclesCompleted *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec

	// Page Metrics
	PagesFetched      *prometheus.CounterVec
	PageFailures      *prometheus.CounterVec
	PageRetries       *prometheus.CounterVec
	PageFetchDuration *prometheus.HistogramVec

	// Flow Metrics
	ActiveFlows  *prometheus.GaugeVec
	PendingRetry *prometheus.GaugeVec
}

// DefaultRegistry is the default metrics registry used by scrape schedulers.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		CyclesStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scrapeflow",
				Subsystem: "cycle",
				Name:      "started_total",
				Help:      "Total number of scrape cycles started",
			},
			[]string{"scheduler_name"},
		),

		CyclesCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scrapeflow",
				Subsystem: "cycle",
				Name:      "completed_total",
				Help:      "Total number of scrape cycles that finished within policy limits",
			},
			[]string{"scheduler_name"},
		),

		CycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "scrapeflow",
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of scrape cycles",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheduler_name"},
		),

		PagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scrapeflow",
				Subsystem: "page",
				Name:      "fetched_total",
				Help:      "Total number of page fetch attempts",
			},
			[]string{"scheduler_name", "result"},
		),

		PageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scrapeflow",
				Subsystem: "page",
				Name:      "failures_total",
				Help:      "Total number of pages that exhausted their retry budget",
			},
			[]string{"scheduler_name"},
		),

		PageRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scrapeflow",
				Subsystem: "page",
				Name:      "retries_total",
				Help:      "Total number of retry dispatches",
			},
			[]string{"scheduler_name"},
		),

		PageFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "scrapeflow",
				Subsystem: "page",
				Name:      "fetch_duration_seconds",
				Help:      "Time spent in a single page attempt, including resolvers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scheduler_name"},
		),

		ActiveFlows: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "scrapeflow",
				Subsystem: "flows",
				Name:      "active",
				Help:      "Number of flows with an outstanding executor invocation",
			},
			[]string{"scheduler_name"},
		),

		PendingRetry: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "scrapeflow",
				Subsystem: "flows",
				Name:      "pending_retries",
				Help:      "Number of queued retry records",
			},
			[]string{"scheduler_name"},
		),
	}
}
