// Package metrics exposes Prometheus collectors for the queue subsystem.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueItemsEnqueuedTotal prometheus.Counter
	queueItemStatusTotal    *prometheus.CounterVec
	queueRetriesTotal       prometheus.Counter
	queueReviewTotal        prometheus.Counter
	queueDepth              *prometheus.GaugeVec
	queueItemsInflight      prometheus.Gauge
	queueItemFailuresTotal  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueItemsEnqueuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_queue_items_enqueued_total",
				Help: "Total number of queue items enqueued.",
			},
		)

		queueItemStatusTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_queue_status_transitions_total",
				Help: "Total item status transitions, labeled by target status.",
			},
			[]string{"status"},
		)

		queueRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_queue_retries_scheduled_total",
				Help: "Total number of retries scheduled.",
			},
		)

		queueReviewTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_queue_review_escalations_total",
				Help: "Total items escalated to human review.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_queue_depth",
				Help: "Number of queue items per status, from the latest stats read.",
			},
			[]string{"status"},
		)

		queueItemsInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_queue_items_inflight",
				Help: "Number of items currently being processed by the worker.",
			},
		)

		queueItemFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_queue_item_failures_total",
				Help: "Total item failures, labeled by classified error type.",
			},
			[]string{"error_type"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueued adds n to the enqueued counter.
func ObserveEnqueued(n int) {
	if queueItemsEnqueuedTotal == nil {
		return
	}
	queueItemsEnqueuedTotal.Add(float64(n))
}

// ObserveItemStatus counts a status transition.
func ObserveItemStatus(status string) {
	if queueItemStatusTotal == nil {
		return
	}
	queueItemStatusTotal.WithLabelValues(status).Inc()
}

// ObserveRetryScheduled counts a scheduled retry.
func ObserveRetryScheduled() {
	if queueRetriesTotal == nil {
		return
	}
	queueRetriesTotal.Inc()
}

// ObserveReviewEscalation counts a human-review escalation.
func ObserveReviewEscalation() {
	if queueReviewTotal == nil {
		return
	}
	queueReviewTotal.Inc()
}

// ObserveItemFailure counts a classified item failure.
func ObserveItemFailure(errorType string) {
	if queueItemFailuresTotal == nil {
		return
	}
	queueItemFailuresTotal.WithLabelValues(errorType).Inc()
}

// SetQueueDepth records the per-status queue depth.
func SetQueueDepth(status string, n int64) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncInflight increments the in-flight items gauge.
func IncInflight() {
	if queueItemsInflight == nil {
		return
	}
	queueItemsInflight.Inc()
}

// DecInflight decrements the in-flight items gauge.
func DecInflight() {
	if queueItemsInflight == nil {
		return
	}
	queueItemsInflight.Dec()
}
