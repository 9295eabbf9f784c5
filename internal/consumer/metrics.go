package consumer

import "github.com/prometheus/client_golang/prometheus"

func consumerCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous_service",
		Subsystem: "consumer",
		Name:      name,
		Help:      help,
	}, labels)
}

var (
	processedCounter    = consumerCounter("messages_processed_total", "Number of Kafka messages successfully handled.", "topic", "event_type")
	handlerErrorCounter = consumerCounter("handler_errors_total", "Number of handler errors grouped by topic and event type.", "topic", "event_type")
	decodeErrorCounter  = consumerCounter("decode_errors_total", "Number of decode failures per topic.", "topic")

	lastMessageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rendezvous_service",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed message per topic.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(processedCounter, handlerErrorCounter, decodeErrorCounter, lastMessageGauge)
}

func recordProcessed(msg Message) {
	processedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
	if !msg.Timestamp.IsZero() {
		lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordHandlerError(msg Message) {
	handlerErrorCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDecodeError(topic string) {
	decodeErrorCounter.WithLabelValues(topic).Inc()
}
