// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublishedTotal tracks events published to the bus.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total events published to the bus",
		},
		[]string{"category"},
	)

	// EventsConsumedTotal tracks events delivered to handlers.
	EventsConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total events delivered to subscribers",
		},
		[]string{"category"},
	)

	// EventsDeadLetteredTotal tracks events that exhausted retries.
	EventsDeadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_dead_lettered_total",
			Help: "Total events moved to the dead-letter queue",
		},
	)

	// EventPublishErrorsTotal tracks publish failures.
	EventPublishErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_publish_errors_total",
			Help: "Total failed publish attempts",
		},
	)

	// BusActiveSubscriptions tracks live logical subscriptions.
	BusActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_active_subscriptions",
			Help: "Number of active bus subscriptions",
		},
	)

	// HandlerDuration tracks subscriber handler execution time.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_handler_duration_seconds",
			Help:    "Subscriber handler execution time",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"outcome"},
	)

	// StoreAppendsTotal tracks events appended to the log.
	StoreAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_appends_total",
			Help: "Total events appended to the event store",
		},
	)

	// StoreAppendDuration tracks append latency.
	StoreAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "store_append_duration_seconds",
			Help:    "Event store append latency",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// StoreReplayedTotal tracks events replayed from the log.
	StoreReplayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_replayed_total",
			Help: "Total events replayed from the event store",
		},
	)

	// PredictionRequestsTotal tracks prediction requests by source.
	PredictionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prediction_requests_total",
			Help: "Total prediction requests",
		},
		[]string{"type", "source"},
	)

	// PredictionLatency tracks end-to-end prediction latency.
	PredictionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prediction_latency_seconds",
			Help:    "End-to-end prediction latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"type"},
	)

	// PredictionQueueDepth tracks the async request queue depth.
	PredictionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prediction_queue_depth",
			Help: "Queued asynchronous prediction requests",
		},
	)

	// PredictionQueueRejectedTotal tracks queue-full rejections.
	PredictionQueueRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prediction_queue_rejected_total",
			Help: "Prediction requests rejected because the queue was full",
		},
	)
)

// RecordPublish records a successful publish.
func RecordPublish(category string) {
	EventsPublishedTotal.WithLabelValues(category).Inc()
}

// RecordConsume records a handler delivery and its duration.
func RecordConsume(category, outcome string, seconds float64) {
	EventsConsumedTotal.WithLabelValues(category).Inc()
	HandlerDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordAppend records an event store append.
func RecordAppend(seconds float64) {
	StoreAppendsTotal.Inc()
	StoreAppendDuration.Observe(seconds)
}

// RecordPrediction records a prediction and where it was served from.
func RecordPrediction(predictionType, source string, seconds float64) {
	PredictionRequestsTotal.WithLabelValues(predictionType, source).Inc()
	PredictionLatency.WithLabelValues(predictionType).Observe(seconds)
}
