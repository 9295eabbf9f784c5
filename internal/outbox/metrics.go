package outbox

import "github.com/prometheus/client_golang/prometheus"

func outboxOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "rendezvous_service",
		Subsystem: "outbox",
		Name:      name,
		Help:      help,
	}
}

var (
	deliveredCounter = prometheus.NewCounter(outboxOpts("events_delivered_total",
		"Number of outbox events successfully published to Kafka."))

	failedCounter = prometheus.NewCounter(outboxOpts("events_failed_total",
		"Number of outbox events that failed to publish and routed to DLQ."))

	dlqCounter = prometheus.NewCounterVec(outboxOpts("events_dlq_total",
		"Number of outbox events routed to the dead-letter queue, labeled by topic."),
		[]string{"topic"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rendezvous_service",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, dlqCounter, batchDuration)
}
