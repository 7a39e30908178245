// Package events publishes transaction status changes to an external stream
// so downstream consumers (merchant dashboards, settlement jobs) can react
// without polling the API. Publishing is best effort: a broker outage never
// fails the reconciliation that triggered it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// StatusChange is the payload emitted whenever a stored transaction changes
// status.
type StatusChange struct {
	OrderID    string    `json:"order_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Source     string    `json:"source"`
	Amount     string    `json:"amount"`
	UTR        string    `json:"utr,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits status changes. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishStatusChange(ctx context.Context, ev StatusChange) error
	Close() error
}

// NopPublisher discards everything. Used when the event stream is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishStatusChange(context.Context, StatusChange) error { return nil }
func (NopPublisher) Close() error                                            { return nil }

// KafkaPublisher writes status changes to a Kafka topic, keyed by order id
// so all events for one order land on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// PublishStatusChange serializes ev and writes it to the topic.
func (p *KafkaPublisher) PublishStatusChange(ctx context.Context, ev StatusChange) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: value,
		Time:  ev.OccurredAt,
	})
}

// Close flushes buffered messages and releases the writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }
