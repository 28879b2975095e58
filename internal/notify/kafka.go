// Package notify forwards bus events to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dokzlo13/mindwaved/internal/eventbus"
)

// Kafka publishes bus events as JSON to a topic, keyed by event type.
type Kafka struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafka creates a publisher. No connection is made until the first write.
func NewKafka(brokers []string, topic string, timeout time.Duration) *Kafka {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		timeout: timeout,
	}
}

// Handle writes one event. Suitable for eventbus.Bus.Subscribe.
func (k *Kafka) Handle(e eventbus.Event) error {
	msg, err := encode(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

func encode(e eventbus.Event) (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Type),
		Value: b,
		Time:  e.At,
	}, nil
}
