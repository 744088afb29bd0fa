//go:build integration || component

package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultBrokers = "localhost:9092"

// TestBrokers returns the Redpanda broker addresses for integration tests.
// Override with INTEGRATION_REDPANDA_BROKERS environment variable.
func TestBrokers() []string {
	brokers := os.Getenv("INTEGRATION_REDPANDA_BROKERS")
	if brokers == "" {
		brokers = defaultBrokers
	}
	return strings.Split(brokers, ",")
}

// TestTopicName generates a unique topic name from the test name and current timestamp.
func TestTopicName(t *testing.T) string {
	t.Helper()
	// Sanitize test name: replace / and spaces with dashes
	name := strings.ReplaceAll(t.Name(), "/", "-")
	name = strings.ReplaceAll(name, " ", "-")
	return fmt.Sprintf("test-%s-%d", name, time.Now().UnixNano())
}

// CreateTopic creates the topic up front so producers that treat a missing
// topic as an error can still deliver to it.
func CreateTopic(t *testing.T, topic string) {
	t.Helper()

	client, err := kgo.NewClient(kgo.SeedBrokers(TestBrokers()...))
	if err != nil {
		t.Fatalf("failed to create admin client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admin := kadm.NewClient(client)
	if _, err := admin.CreateTopic(ctx, 1, 1, nil, topic); err != nil {
		t.Fatalf("failed to create topic %s: %v", topic, err)
	}
}
