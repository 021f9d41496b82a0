// Package metrics provides Prometheus metrics for monitoring bulk assignment runs.
package metrics

import (
	"time"

	"github.com/kigo-pro/assignq/internal/assignment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignq_runs_started_total",
			Help: "Total number of assignment runs started",
		},
		[]string{"kind"},
	)
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignq_runs_finished_total",
			Help: "Total number of assignment runs finished by outcome",
		},
		[]string{"kind", "status"},
	)
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignq_items_processed_total",
			Help: "Total number of item assignments settled by outcome",
		},
		[]string{"status"},
	)
	ItemsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assignq_items_retried_total",
			Help: "Total number of failed items requeued for retry",
		},
	)
	ItemsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assignq_items",
			Help: "Current number of items in the active item list by status",
		},
		[]string{"status"},
	)
	ItemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assignq_item_duration_seconds",
			Help:    "Per-item assignment duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assignq_batch_duration_seconds",
			Help:    "Time for a batch to fully settle in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assignq_active_runs",
			Help: "Number of assignment runs currently in progress",
		},
	)
	StoredRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assignq_stored_runs",
			Help: "Number of run snapshots held in the snapshot store",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assignq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assignq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordRunStarted(kind assignment.RunKind) {
	RunsStarted.WithLabelValues(string(kind)).Inc()
	ActiveRuns.Inc()
}

func RecordRunFinished(kind assignment.RunKind, status assignment.RunStatus) {
	RunsFinished.WithLabelValues(string(kind), string(status)).Inc()
	ActiveRuns.Dec()
}

func RecordItemSettled(status assignment.ItemStatus, duration time.Duration) {
	ItemsProcessed.WithLabelValues(string(status)).Inc()
	ItemDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordItemCancelled counts an item whose dispatch was abandoned by cancellation.
func RecordItemCancelled() {
	ItemsProcessed.WithLabelValues("cancelled").Inc()
}

func RecordItemsRetried(count int) {
	ItemsRetried.Add(float64(count))
}

func RecordBatch(duration time.Duration) {
	BatchDuration.Observe(duration.Seconds())
}

func UpdateItemGauges(stats assignment.Stats) {
	ItemsByStatus.WithLabelValues(string(assignment.StatusPending)).Set(float64(stats.Pending))
	ItemsByStatus.WithLabelValues(string(assignment.StatusProcessing)).Set(float64(stats.Processing))
	ItemsByStatus.WithLabelValues(string(assignment.StatusSuccess)).Set(float64(stats.Successful))
	ItemsByStatus.WithLabelValues(string(assignment.StatusFailed)).Set(float64(stats.Failed))
}

func UpdateStoredRuns(count int) {
	StoredRuns.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
