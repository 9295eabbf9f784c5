package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQWriter parks undeliverable outbox messages in outbox_dlq. Entries keep
// enough routing metadata (topic, subject, partition key) for the DLQ manager
// to requeue them without consulting the original outbox row, which may have
// been marked published by then.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter initialises a writer backed by the provided connection pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Write records one failed message with the delivery failure reason. The
// entry is immediately eligible for retry.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	const stmt = `INSERT INTO outbox_dlq
        (hub_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.hub_id', $1, true)", msg.HubID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stmt,
		msg.HubID, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason,
		msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
	); err != nil {
		return fmt.Errorf("park event %d in dlq: %w", msg.EventID, err)
	}
	return tx.Commit(ctx)
}
