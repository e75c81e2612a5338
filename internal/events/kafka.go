package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink forwards events to a Kafka topic, keyed by event name. Writes are
// asynchronous; failures are logged and dropped.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 250 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Warn("kafka publish failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Publish(ctx context.Context, e Event) {
	msg, err := encode(e)
	if err != nil {
		slog.Warn("kafka encode failed", "event", e.Name, "error", err)
		return
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		slog.Warn("kafka publish failed", "event", e.Name, "error", err)
	}
}

// Close flushes pending messages.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func encode(e Event) (kafka.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Name),
		Value: body,
		Time:  e.Timestamp,
	}, nil
}
