package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer writes to Kafka with one writer per topic, created on first
// use. Writers are synchronous with full-ISR acknowledgement: outbox delivery
// must know whether the broker took the batch, because failure routes the
// whole batch to the DLQ.
type KafkaProducer struct {
	brokers      []string
	batchTimeout time.Duration

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer for the given brokers.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers:      brokers,
		batchTimeout: 100 * time.Millisecond,
		writers:      make(map[string]*kafka.Writer),
	}
}

// WriteMessages publishes messages to the topic, creating its writer if this
// is the first write.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	writer, ok := p.writers[topic]
	if !ok {
		writer = &kafka.Writer{
			Addr:         kafka.TCP(p.brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			BatchTimeout: p.batchTimeout,
			Async:        false,
		}
		p.writers[topic] = writer
	}
	return writer
}

// Close shuts down every writer, reporting all close errors together.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}
