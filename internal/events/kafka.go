package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/tradehold/internal/retry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports changes as JSON records. Records are keyed by order id
// when present so that one order's history stays on one partition.
type KafkaSink struct {
	writer messageWriter
	policy retry.Policy
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		policy: retry.DefaultPolicy,
	}
}

// Deliver writes c, retrying transient broker errors.
func (k *KafkaSink) Deliver(ctx context.Context, c Change) error {
	value, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	key := c.OrderID
	if key == "" {
		key = c.EntityID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  c.At,
		Headers: []kafka.Header{
			{Key: "entity", Value: []byte(c.Entity)},
			{Key: "op", Value: []byte(c.Op)},
		},
	}
	return k.policy.Do(ctx, func(ctx context.Context) error {
		return k.writer.WriteMessages(ctx, msg)
	})
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
