// Package redpanda implements the outbound transport on Redpanda
// (Kafka-compatible).
package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cornjacket/messagewatch/internal/services/integrations"
	"github.com/cornjacket/messagewatch/internal/services/recovery"
)

// Producer forwards retried messages to destination queues and publishes
// integration events. Auto topic creation is deliberately off: a missing
// destination topic means the endpoint was decommissioned, and creating it
// would silently swallow every retried message.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewProducer creates a new Redpanda producer.
func NewProducer(brokers []string, logger *slog.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redpanda client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger.With("component", "redpanda-producer"),
	}, nil
}

// Send forwards one staged message to its destination queue, carrying the
// original headers. A destination whose topic no longer exists maps to
// recovery.ErrDestinationNotFound.
func (p *Producer) Send(ctx context.Context, msg recovery.StagedMessage, destination string) error {
	record := &kgo.Record{
		Topic: destination,
		Key:   []byte(msg.MessageID), // Partition by message id for per-message ordering
		Value: msg.Body,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		if isUnknownTopic(err) {
			return fmt.Errorf("%w: %s", recovery.ErrDestinationNotFound, destination)
		}
		return fmt.Errorf("failed to send to %s: %w", destination, err)
	}

	p.logger.Debug("message forwarded",
		"destination", destination,
		"unique_id", msg.UniqueID,
	)
	return nil
}

func isUnknownTopic(err error) bool {
	return errors.Is(err, kerr.UnknownTopicOrPartition)
}

// IntegrationPublisher publishes integration events to the fixed external
// topic. Implements integrations.Publisher.
type IntegrationPublisher struct {
	producer *Producer
	topic    string
}

// NewIntegrationPublisher creates a publisher bound to a topic.
func NewIntegrationPublisher(producer *Producer, topic string) *IntegrationPublisher {
	return &IntegrationPublisher{producer: producer, topic: topic}
}

// Publish sends one integration event.
func (p *IntegrationPublisher) Publish(ctx context.Context, event integrations.Request) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal integration event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.EventType), // Partition by type so subscribers see each type in order
		Value: value,
	}

	results := p.producer.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}

	p.producer.logger.Debug("integration event published",
		"topic", p.topic,
		"event_id", event.ID,
		"event_type", event.EventType,
	)
	return nil
}

// Close closes the producer connection.
func (p *Producer) Close() {
	p.client.Close()
	p.logger.Info("Redpanda producer closed")
}

var (
	_ recovery.Sender        = (*Producer)(nil)
	_ integrations.Publisher = (*IntegrationPublisher)(nil)
)
