// Package outbox persists and delivers domain events to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/domain"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message is one row claimed from the outbox table.
type Message struct {
	EventID       int64
	HubID         string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// Dispatcher drains the outbox table on an interval and publishes claimed
// rows to Kafka with Confluent wire framing. A batch that fails delivery is
// parked in the DLQ and still marked published, so the outbox itself never
// retries; retries are the DLQ manager's job.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	registry         schemaRegistrar
	dlq              *DLQWriter
	pollInterval     time.Duration
	batchSize        int
	schemaIDCache    sync.Map
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		pool:             pool,
		producer:         producer,
		registry:         registry,
		dlq:              NewDLQWriter(pool),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		shutdownComplete: make(chan struct{}),
	}
}

// Start runs the polling loop until the context ends. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("outbox dispatcher error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the dispatcher loop has fully stopped.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	batch, err := d.claimBatch(ctx)
	if err != nil || len(batch) == 0 {
		return err
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.deliver(ctx, batch); err != nil {
		log.Printf("outbox: delivery failure: %v", err)
		failedCounter.Add(float64(len(batch)))
		for _, msg := range batch {
			if dlqErr := d.dlq.Write(ctx, msg, fmt.Sprintf("%s (topic=%s)", err.Error(), msg.Topic)); dlqErr != nil {
				return dlqErr
			}
			dlqCounter.WithLabelValues(msg.Topic).Inc()
		}
		return d.markPublished(ctx, batch)
	}

	deliveredCounter.Add(float64(len(batch)))
	return d.markPublished(ctx, batch)
}

// claimBatch selects unpublished rows FOR UPDATE SKIP LOCKED so concurrent
// dispatchers never claim the same event, then stamps claimed_at.
func (d *Dispatcher) claimBatch(ctx context.Context) ([]Message, error) {
	const query = `SELECT event_id, hub_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []Message
	var ids []int64
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.EventID, &msg.HubID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &msg.Payload); err != nil {
			return nil, err
		}
		batch = append(batch, msg)
		ids = append(ids, msg.EventID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return batch, nil
}

func (d *Dispatcher) deliver(ctx context.Context, batch []Message) error {
	perTopic := make(map[string][]kafka.Message)

	for _, msg := range batch {
		meta, ok := schemaCatalog[msg.EventType]
		if !ok {
			return fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
		}

		schemaID, err := d.resolveSchemaID(ctx, msg.SchemaSubject, meta.Schema)
		if err != nil {
			return err
		}

		perTopic[msg.Topic] = append(perTopic[msg.Topic], kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: encodeWireFormat(schemaID, msg.Payload),
			Time:  time.Now().UTC(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "hub_id", Value: []byte(msg.HubID)},
				{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
			},
		})
	}

	for topic, records := range perTopic {
		if err := d.producer.WriteMessages(ctx, topic, records...); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) resolveSchemaID(ctx context.Context, subject, schema string) (int, error) {
	cacheKey := subject + "::" + schema
	if cached, ok := d.schemaIDCache.Load(cacheKey); ok {
		return cached.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDCache.Store(cacheKey, id)
	return id, nil
}

// markPublished stamps published_at, grouped per hub so each transaction
// carries a single app.hub_id setting.
func (d *Dispatcher) markPublished(ctx context.Context, batch []Message) error {
	perHub := make(map[string][]int64)
	for _, msg := range batch {
		perHub[msg.HubID] = append(perHub[msg.HubID], msg.EventID)
	}

	for hubID, ids := range perHub {
		tx, err := d.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "SELECT set_config('app.hub_id', $1, true)", hubID); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// encodeWireFormat applies Confluent framing: magic byte, big-endian schema
// id, then the JSON payload.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

// SchemaCatalogEntry maps an event type to its JSON schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	domain.EventLobbyStateChanged:   {Schema: lobbyStateChangedSchema},
	domain.EventCheckinRedeemed:     {Schema: checkinRedeemedSchema},
	domain.EventRewardsIssued:       {Schema: rewardsIssuedSchema},
	domain.EventProgressionAdvanced: {Schema: progressionAdvancedSchema},
}
