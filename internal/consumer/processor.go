// Package consumer pulls rendezvous events off Kafka and hands them to
// pluggable handlers.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Reader is the slice of kafka.Reader the processor depends on.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is one dispatched outbox record after Confluent framing and header
// metadata have been stripped off.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	HubID         string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor drives one reader: fetch, decode, handle, commit. Offsets are
// committed only after the handler succeeds, except for malformed records,
// which are committed unprocessed so a bad producer cannot wedge the group.
type Processor struct {
	reader  Reader
	handler Handler
	logger  *log.Logger
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		p.processOne(ctx, msg)
	}
}

func (p *Processor) processOne(ctx context.Context, msg kafka.Message) {
	event, err := decodeMessage(msg)
	if err != nil {
		p.logger.Printf("decode error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, err)
		recordDecodeError(msg.Topic)
		p.commit(ctx, msg, "decode failure")
		return
	}

	if err := p.handler.Handle(ctx, event); err != nil {
		// No commit: the record is redelivered after rebalance/restart.
		p.logger.Printf("handler error (event_type=%s, hub=%s): %v", event.EventType, event.HubID, err)
		recordHandlerError(event)
		return
	}

	if p.commit(ctx, msg, "success") {
		recordProcessed(event)
	}
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message, stage string) bool {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		p.logger.Printf("commit error after %s: %v", stage, err)
		return false
	}
	return true
}

func decodeMessage(msg kafka.Message) (Message, error) {
	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	if len(msg.Value) < 5 {
		return Message{}, fmt.Errorf("invalid payload length: %d", len(msg.Value))
	}

	hubID, _ := headerValue(msg, "hub_id")
	schemaSubject, _ := headerValue(msg, "schema_subject")

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		HubID:         string(hubID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      int(binary.BigEndian.Uint32(msg.Value[1:5])),
		Payload:       json.RawMessage(append([]byte(nil), msg.Value[5:]...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
