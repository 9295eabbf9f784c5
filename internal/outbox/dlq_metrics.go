package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

func dlqCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rendezvous_service",
		Subsystem: "dlq",
		Name:      name,
		Help:      help,
	}, []string{"topic", "event_type"})
}

var (
	dlqProcessedCounter   = dlqCounterVec("messages_processed_total", "Number of DLQ entries successfully replayed.")
	dlqRequeuedCounter    = dlqCounterVec("messages_requeued_total", "Number of DLQ entries reinserted into the primary outbox.")
	dlqQuarantinedCounter = dlqCounterVec("messages_quarantined_total", "Number of DLQ entries quarantined after exhausting retries.")
	dlqRetryCounter       = dlqCounterVec("retry_scheduled_total", "Number of times a DLQ entry was scheduled for a future retry.")

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rendezvous_service",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Current number of entries remaining in the DLQ.",
	})
)

func init() {
	prometheus.MustRegister(dlqProcessedCounter, dlqRequeuedCounter, dlqQuarantinedCounter, dlqRetryCounter, dlqBacklogGauge)
}

func recordDLQProcessed(entry dlqEntry) {
	dlqProcessedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

func recordDLQRequeued(entry dlqEntry) {
	dlqRequeuedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

func recordDLQQuarantined(entry dlqEntry) {
	dlqQuarantinedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

func recordDLQRetry(entry dlqEntry) {
	dlqRetryCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
}

// updateBacklogGauge refreshes the queued_messages gauge; quarantined rows are
// excluded since they are no longer eligible for replay.
func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
}
