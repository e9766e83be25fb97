// Package metrics exposes Prometheus instrumentation for the message
// pipeline: staging, dispatch, consumption and compensation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch results.
const (
	ResultSent   = "sent"
	ResultRetry  = "retry"
	ResultFailed = "failed"
)

// Consumption results.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultSkipped   = "skipped"
)

// Compensation sides.
const (
	SideProducer = "producer"
	SideConsumer = "consumer"
)

var (
	messagesStagedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_messages_staged_total",
			Help: "Total number of messages staged by producers",
		},
		[]string{"topic"},
	)

	messagesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_messages_dispatched_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"topic", "result"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_dispatch_duration_seconds",
			Help:    "Broker publish duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"topic"},
	)

	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_messages_consumed_total",
			Help: "Total number of consumed messages by outcome",
		},
		[]string{"topic", "result"},
	)

	compensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_compensations_total",
			Help: "Total number of compensation attempts by outcome",
		},
		[]string{"side", "result"},
	)
)

// RecordStaged records a message staged for publication.
func RecordStaged(topic string) {
	messagesStagedTotal.WithLabelValues(topic).Inc()
}

// RecordDispatched records the outcome of one dispatch attempt.
func RecordDispatched(topic, result string, duration time.Duration) {
	messagesDispatchedTotal.WithLabelValues(topic, result).Inc()
	dispatchDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordConsumed records the outcome of one consumed delivery.
func RecordConsumed(topic, result string) {
	messagesConsumedTotal.WithLabelValues(topic, result).Inc()
}

// RecordCompensation records the outcome of one compensation attempt.
func RecordCompensation(side, result string) {
	compensationsTotal.WithLabelValues(side, result).Inc()
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
