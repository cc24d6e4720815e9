package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Batch outcomes recorded by the reconciler.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomeFatal     = "fatal"
	OutcomeDiscarded = "discarded"
)

var statuses = []string{"idle", "syncing", "error"}

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskflow",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	pendingChanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskflow",
			Subsystem: "sync",
			Name:      "pending_changes",
			Help:      "Changes enqueued locally and not yet acknowledged.",
		},
	)

	batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "sync",
			Name:      "batches_total",
			Help:      "Sync batch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "taskflow",
			Subsystem: "sync",
			Name:      "batch_size",
			Help:      "Number of change records per transmitted batch.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	syncStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskflow",
			Subsystem: "sync",
			Name:      "status",
			Help:      "1 for the current sync status, 0 otherwise.",
		},
		[]string{"status"},
	)

	serverChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskflow",
			Subsystem: "server",
			Name:      "changes_total",
			Help:      "Changes processed by the sync service by type and operation.",
		},
		[]string{"type", "operation"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, pendingChanges, batches, batchSize, syncStatus, serverChanges)
	})
}

// IncHTTP increments the counter for an endpoint and status code.
func IncHTTP(endpoint, code string) {
	httpRequests.WithLabelValues(endpoint, code).Inc()
}

// ObserveHTTP records request latency for an endpoint.
func ObserveHTTP(endpoint string, d time.Duration) {
	httpDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func SetPending(n int) {
	pendingChanges.Set(float64(n))
}

func IncBatch(outcome string) {
	batches.WithLabelValues(outcome).Inc()
}

func ObserveBatchSize(n int) {
	batchSize.Observe(float64(n))
}

// SetStatus flips the status gauge so exactly one label reads 1.
func SetStatus(status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		syncStatus.WithLabelValues(s).Set(v)
	}
}

func IncServerChange(entityType, operation string) {
	serverChanges.WithLabelValues(entityType, operation).Inc()
}
