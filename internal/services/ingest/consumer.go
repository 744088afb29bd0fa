package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// ErrMalformedReport marks failure reports that can never be ingested no
// matter how often they are retried. The consumer skips these and commits
// past them; every other ingest error is treated as transient and the report
// is retried in place, so a store outage never drops an attempt.
var ErrMalformedReport = errors.New("malformed failure report")

// ingestRetryDelay is the pause between retries of a transiently failing
// report.
const ingestRetryDelay = time.Second

// Recorder records a processing failure against the failed message store.
type Recorder interface {
	RecordFailure(ctx context.Context, uniqueID string, attempt messages.ProcessingAttempt) (*messages.FailedMessage, error)
}

// BodyWriter stores message body blobs.
type BodyWriter interface {
	Store(ctx context.Context, uniqueID string, body []byte) error
}

// ConsumerConfig holds configuration for the error-topic consumer.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Consumer consumes failure reports from the error topic and records them.
type Consumer struct {
	client   *kgo.Client
	ingester *Ingester
	config   ConsumerConfig
	logger   *slog.Logger
}

// NewConsumer creates a new error-topic consumer.
func NewConsumer(ingester *Ingester, config ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.GroupID),
		kgo.ConsumeTopics(config.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:   client,
		ingester: ingester,
		config:   config,
		logger:   logger.With("component", "error-consumer"),
	}, nil
}

// Start begins consuming failure reports and blocks until context is
// cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting error consumer",
		"group_id", c.config.GroupID,
		"topic", c.config.Topic,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("error consumer stopping")
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				c.logger.Error("fetch error",
					"topic", err.Topic,
					"partition", err.Partition,
					"error", err.Err,
				)
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(ctx, record)
		})

		if ctx.Err() != nil {
			// A retry loop was abandoned mid-record; committing now would
			// skip that report on restart.
			continue
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("failed to commit offsets", "error", err)
		}
	}
}

// processRecord handles one record. Malformed reports are logged and
// skipped: losing one only costs an attempt entry, while refusing to commit
// would wedge the partition forever. Transient failures block here and
// retry the same report instead, so a store outage never drops an attempt.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	logger := c.logger.With(
		"topic", record.Topic,
		"partition", record.Partition,
		"offset", record.Offset,
	)

	for {
		err := c.ingester.Ingest(ctx, record.Value)
		if err == nil {
			logger.Debug("failure report ingested")
			return
		}
		if errors.Is(err, ErrMalformedReport) {
			logger.Error("skipping malformed failure report", "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		logger.Error("failed to ingest failure report, retrying", "error", err)
		select {
		case <-time.After(ingestRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// Close releases consumer resources.
func (c *Consumer) Close() error {
	c.client.Close()
	c.logger.Info("error consumer closed")
	return nil
}

// Ingester turns raw failure reports into failed message records.
type Ingester struct {
	recorder Recorder
	bodies   BodyWriter
	logger   *slog.Logger
}

// NewIngester creates an ingester.
func NewIngester(recorder Recorder, bodies BodyWriter, logger *slog.Logger) *Ingester {
	return &Ingester{
		recorder: recorder,
		bodies:   bodies,
		logger:   logger.With("component", "ingester"),
	}
}

// Ingest parses one failure report, stores its body, and records the
// attempt. Replaying the same report is harmless: the body write is an
// upsert and the attempt append lands on the same record.
func (i *Ingester) Ingest(ctx context.Context, raw []byte) error {
	start := time.Now()

	var report FailureReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	if err := report.Validate(); err != nil {
		return fmt.Errorf("%w: invalid failure report: %v", ErrMalformedReport, err)
	}

	uniqueID := report.UniqueID()

	if err := i.bodies.Store(ctx, uniqueID, report.Body); err != nil {
		return fmt.Errorf("failed to store message body: %w", err)
	}

	msg, err := i.recorder.RecordFailure(ctx, uniqueID, report.Attempt())
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	i.logger.Info("failure recorded",
		"unique_id", uniqueID,
		"endpoint", report.Endpoint,
		"attempts", len(msg.Attempts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
