package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dlqEntry is one outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	HubID         string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

// DLQManager replays parked events back into the outbox with exponential
// backoff, quarantining entries that exhaust their retry allowance.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay}
}

// RunOnce processes up to batchSize due entries and returns how many were
// handled (requeued or quarantined). Per-entry failures are joined into the
// returned error without stopping the batch.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, hub_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var entries []dlqEntry
	for rows.Next() {
		var e dlqEntry
		if scanErr := rows.Scan(&e.ID, &e.HubID, &e.EventID, &e.EventType, &e.Topic, &e.Payload, &e.Reason, &e.AggregateType, &e.AggregateID, &e.SchemaSubject, &e.PartitionKey, &e.RetryCount); scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, e)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}
	rows.Close()

	handled := 0
	for _, entry := range entries {
		if procErr := m.handleEntry(ctx, entry); procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		handled++
	}

	updateBacklogGauge(ctx, m.pool)
	return handled, err
}

func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.hub_id', $1, true)", entry.HubID); err != nil {
		return err
	}

	if entry.RetryCount >= m.maxRetries {
		err = m.quarantine(ctx, tx, entry)
	} else {
		err = m.replay(ctx, tx, entry)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (m *DLQManager) quarantine(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	const stmt = `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`
	if _, err := tx.Exec(ctx, stmt, "retry limit reached", entry.ID); err != nil {
		return err
	}
	recordDLQQuarantined(entry)
	return nil
}

// replay reinserts the payload into the primary outbox; on insert failure the
// entry stays in the DLQ with its backoff pushed out.
func (m *DLQManager) replay(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		const stmt = `UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = NOW(),
                   next_retry_at = NOW() + $1::interval,
                   reason = $2
             WHERE dlq_id = $3`
		if _, err := tx.Exec(ctx, stmt, m.backoffDelay(entry.RetryCount+1), insertErr.Error(), entry.ID); err != nil {
			return err
		}
		recordDLQRetry(entry)
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return err
	}
	recordDLQRequeued(entry)
	recordDLQProcessed(entry)
	return nil
}

// backoffDelay doubles per attempt from the base delay, capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (hub_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                   VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := tx.Exec(ctx, stmt,
		entry.HubID, entry.AggregateType, entry.AggregateID, entry.EventType,
		entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	)
	return err
}
