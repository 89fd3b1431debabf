package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// SetupDispatcher publishes call setup requests to Kafka.
type SetupDispatcher struct {
	writer *kafka.Writer
}

// NewSetupDispatcher constructs a dispatcher for the given topic.
func NewSetupDispatcher(k *Kafka, topic string) *SetupDispatcher {
	return &SetupDispatcher{writer: k.NewWriter(topic)}
}

// DispatchSetup writes the setup message to Kafka.
func (d *SetupDispatcher) DispatchSetup(ctx context.Context, msg SetupMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("setup dispatcher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.CallID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("setup dispatcher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *SetupDispatcher) Close() error {
	return d.writer.Close()
}
