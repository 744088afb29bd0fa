//go:build integration

package redpanda

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cornjacket/messagewatch/internal/services/integrations"
	"github.com/cornjacket/messagewatch/internal/services/recovery"
	"github.com/cornjacket/messagewatch/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func consumeAll(t *testing.T, topic string, want int) []*kgo.Record {
	t.Helper()

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(testutil.TestBrokers()...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var records []*kgo.Record
	for len(records) < want {
		fetches := consumer.PollFetches(ctx)
		if ctx.Err() != nil {
			break
		}
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})
	}
	require.Len(t, records, want)
	return records
}

func TestSendCarriesHeadersAndBody(t *testing.T) {
	topic := testutil.TestTopicName(t)
	testutil.CreateTopic(t, topic)

	producer, err := NewProducer(testutil.TestBrokers(), testLogger())
	require.NoError(t, err)
	defer producer.Close()

	msg := recovery.StagedMessage{
		UniqueID:    "uid-1",
		MessageID:   "msg-1",
		Headers:     map[string]string{"NServiceBus.MessageId": "msg-1"},
		Body:        []byte(`{"order":"42"}`),
		Destination: topic,
	}
	require.NoError(t, producer.Send(context.Background(), msg, topic))

	records := consumeAll(t, topic, 1)
	assert.Equal(t, msg.Body, records[0].Value)
	assert.Equal(t, "msg-1", string(records[0].Key))

	headers := map[string]string{}
	for _, h := range records[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, msg.Headers, headers)
}

func TestSendUnknownDestination(t *testing.T) {
	producer, err := NewProducer(testutil.TestBrokers(), testLogger())
	require.NoError(t, err)
	defer producer.Close()

	msg := recovery.StagedMessage{UniqueID: "uid-1", MessageID: "msg-1", Body: []byte("x")}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = producer.Send(ctx, msg, "decommissioned-endpoint-that-never-existed")
	assert.ErrorIs(t, err, recovery.ErrDestinationNotFound)
}

func TestIntegrationPublisher(t *testing.T) {
	topic := testutil.TestTopicName(t)
	testutil.CreateTopic(t, topic)

	producer, err := NewProducer(testutil.TestBrokers(), testLogger())
	require.NoError(t, err)
	defer producer.Close()

	pub := NewIntegrationPublisher(producer, topic)
	event := integrations.Request{
		ID:         "evt-1",
		EventType:  "MessageFailed",
		Payload:    json.RawMessage(`{"id":"uid-1"}`),
		RecordedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, pub.Publish(context.Background(), event))

	records := consumeAll(t, topic, 1)
	assert.Equal(t, "MessageFailed", string(records[0].Key))

	var received integrations.Request
	require.NoError(t, json.Unmarshal(records[0].Value, &received))
	assert.Equal(t, event.ID, received.ID)
	assert.Equal(t, event.EventType, received.EventType)
}
