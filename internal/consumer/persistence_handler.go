package consumer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PersistenceHandler appends every consumed record to the rendezvous_event_log
// audit table. The log is append-only and not hub-scoped, so no RLS setting is
// established here.
type PersistenceHandler struct {
	pool *pgxpool.Pool
}

func NewPersistenceHandler(pool *pgxpool.Pool) *PersistenceHandler {
	return &PersistenceHandler{pool: pool}
}

const insertEventLog = `
INSERT INTO rendezvous_event_log
    (event_type, hub_id, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	_, err := h.pool.Exec(ctx, insertEventLog,
		msg.EventType,
		msg.HubID,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append event log (%s offset %d): %w", msg.Topic, msg.Offset, err)
	}
	return nil
}
