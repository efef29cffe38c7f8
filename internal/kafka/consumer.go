package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-counters/internal/logger"

	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads the change topic, used by the feed tail command.
type Consumer struct {
	reader messageReader
	log    *logger.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, log: log}
}

func NewConsumerWithReader(r messageReader, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Consumer{reader: r, log: log}
}

// Run hands every decoded change to handler until ctx is done. Messages that
// do not decode are logged and skipped.
func (c *Consumer) Run(ctx context.Context, handler func(kafka.Message, ChangeMessage)) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read change message: %w", err)
		}

		var change ChangeMessage
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Skipping undecodable message at offset %d: %v", msg.Offset, err))
			continue
		}
		handler(msg, change)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Header returns the value of the named header, empty when absent.
func Header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
