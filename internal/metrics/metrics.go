package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuereader_messages_total",
			Help: "Total number of messages handled by outcome.",
		},
		[]string{"queue", "outcome"}, // completed, requeued, deferred, skipped, dead_lettered
	)

	TaskResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuereader_task_results_total",
			Help: "Total number of task invocations by result.",
		},
		[]string{"queue", "task", "result"}, // success, failure, error, deferred, unknown
	)

	FetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuereader_fetch_errors_total",
			Help: "Total number of failed queue fetches.",
		},
		[]string{"queue"},
	)

	EndpointFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuereader_endpoint_failures_total",
			Help: "Total number of failed requests by queue endpoint and operation.",
		},
		[]string{"endpoint", "op"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuereader_dead_letters_total",
			Help: "Total number of messages dead-lettered by reason.",
		},
		[]string{"queue", "reason"},
	)

	BackoffSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuereader_backoff_seconds",
			Help: "Current backoff interval per task.",
		},
		[]string{"queue", "task"},
	)

	MessageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queuereader_message_duration_seconds",
			Help:    "Time spent running the tasks of one message.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queuereader_queue_depth",
			Help: "Depth reported by each queue endpoint.",
		},
		[]string{"endpoint"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		MessagesTotal,
		TaskResultsTotal,
		FetchErrorsTotal,
		EndpointFailuresTotal,
		DeadLettersTotal,
		BackoffSeconds,
		MessageDurationSeconds,
		QueueDepth,
	)
}

func RecordMessage(queue, outcome string) {
	MessagesTotal.WithLabelValues(queue, outcome).Inc()
}

func RecordTaskResult(queue, task, result string) {
	TaskResultsTotal.WithLabelValues(queue, task, result).Inc()
}

func RecordFetchError(queue string) {
	FetchErrorsTotal.WithLabelValues(queue).Inc()
}

func RecordEndpointFailure(endpoint, op string) {
	EndpointFailuresTotal.WithLabelValues(endpoint, op).Inc()
}

func RecordDeadLetter(queue, reason string) {
	DeadLettersTotal.WithLabelValues(queue, reason).Inc()
}

func SetBackoff(queue, task string, d time.Duration) {
	BackoffSeconds.WithLabelValues(queue, task).Set(d.Seconds())
}

func ObserveMessageDuration(queue string, d time.Duration) {
	MessageDurationSeconds.WithLabelValues(queue).Observe(d.Seconds())
}

func SetQueueDepth(endpoint string, depth float64) {
	QueueDepth.WithLabelValues(endpoint).Set(depth)
}
