// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nextdnsblocker"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// QueueSize tracks deferred-action queue depth per queue.
	QueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queues",
			Name:      "size",
			Help:      "Number of rows in each deferred-action queue",
		},
		[]string{"queue"},
	)

	// WatchdogPasses counts watchdog passes by result.
	WatchdogPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "passes_total",
			Help:      "Total watchdog passes",
		},
		[]string{"status"},
	)

	// ActionsExecuted counts deferred actions by queue and outcome.
	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "actions_total",
			Help:      "Deferred actions processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// NextDNSRequestDuration tracks filtering-service request latency.
	NextDNSRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "nextdns",
			Name:      "request_duration_seconds",
			Help:      "Filtering-service request duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"action", "status"},
	)
)

// RecordAction records a processed deferred action.
func RecordAction(queue, outcome string) {
	ActionsExecuted.WithLabelValues(queue, outcome).Inc()
}

// RecordQueueSize updates a queue depth gauge.
func RecordQueueSize(queue string, size int) {
	QueueSize.WithLabelValues(queue).Set(float64(size))
}
