package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ms-counters/internal/logger"
	"ms-counters/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderMessageID = "message-id"
	HeaderEventType = "event-type"
)

// ChangeMessage is the value written to the change topic for every
// broadcast state change.
type ChangeMessage struct {
	Type      models.StreamEventType `json:"type"`
	Payload   json.RawMessage        `json:"payload"`
	EmittedAt time.Time              `json:"emitted_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer mirrors committed changes to a Kafka topic. Messages are keyed by
// event id so the changes of one event stay in one partition, in order.
type Producer struct {
	writer messageWriter
	topic  string
	log    *logger.Logger
}

// NewProducer creates an async producer. Delivery errors surface through the
// logger only; the caller never waits on the broker.
func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("KAFKA", fmt.Sprintf("Failed to deliver %d change message(s): %v", len(messages), err))
			}
		},
	}
	return &Producer{writer: writer, topic: topic, log: log}
}

// NewProducerWithWriter wraps an existing writer, used by tests.
func NewProducerWithWriter(w messageWriter, topic string, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Producer{writer: w, topic: topic, log: log}
}

// Publish writes one change message for eventID.
func (p *Producer) Publish(ctx context.Context, eventType models.StreamEventType, eventID int64, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	value, err := json.Marshal(ChangeMessage{
		Type:      eventType,
		Payload:   body,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", eventType, err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(eventID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(uuid.NewString())},
			{Key: HeaderEventType, Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	p.log.LogKafka("PUBLISH", p.topic, fmt.Sprintf("%s for event %d", eventType, eventID))
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
