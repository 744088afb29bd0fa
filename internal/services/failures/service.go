package failures

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"

	"github.com/cornjacket/messagewatch/internal/shared/domain/clock"
	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// Integration event types published to external subscribers.
const (
	EventMessageFailed          = "MessageFailed"
	EventMessageArchived        = "FailedMessageArchived"
	EventMessagesUnArchived     = "FailedMessagesUnArchived"
	EventMessageResolvedByRetry = "MessageFailureResolvedByRetry"
	EventMessageResolvedByUser  = "MessageFailureResolvedManually"
)

// maxStoreAttempts bounds the optimistic-concurrency retry loop for
// concurrent failure imports of the same unique id.
const maxStoreAttempts = 10

// ServiceConfig holds the failures service policy knobs.
type ServiceConfig struct {
	ErrorRetention    time.Duration
	EventLogRetention time.Duration

	// TrackingWindow is how long after a retry is issued the service waits
	// for a new failure report before inferring the retry succeeded.
	TrackingWindow time.Duration
}

// Service is the failed message store: it owns every status transition and
// the retention markers attached to resolved and archived records.
type Service struct {
	store        Repository
	eventLog     EventLogWriter
	integrations IntegrationPublisher
	cfg          ServiceConfig
	logger       *slog.Logger
}

// NewService creates the failures service.
func NewService(store Repository, eventLog EventLogWriter, integrations IntegrationPublisher, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		eventLog:     eventLog,
		integrations: integrations,
		cfg:          cfg,
		logger:       logger.With("service", "failures"),
	}
}

// RecordFailure appends a processing attempt to the failed message with the
// given unique id, creating the record on first failure. Concurrent imports
// for the same id serialize through the store's version check; conflicts are
// retried with backoff so no attempt is lost.
func (s *Service) RecordFailure(ctx context.Context, uniqueID string, attempt messages.ProcessingAttempt) (*messages.FailedMessage, error) {
	var stored *messages.FailedMessage

	backoff := retry.WithMaxRetries(maxStoreAttempts, retry.NewFibonacci(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		msg, err := s.store.Load(ctx, uniqueID)
		switch {
		case errors.Is(err, ErrNotFound):
			msg = messages.New(uniqueID)
		case err != nil:
			return err
		}

		msg.RecordAttempt(attempt)

		if err := s.store.Store(ctx, msg); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}

		stored = msg
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record failure for %s: %w", uniqueID, err)
	}

	s.logger.Info("failure recorded",
		"unique_id", uniqueID,
		"endpoint", attempt.Endpoint,
		"attempt_count", len(stored.Attempts),
	)

	s.publish(ctx, EventMessageFailed, map[string]any{
		"id":        uniqueID,
		"endpoint":  attempt.Endpoint,
		"exception": attempt.Failure.ExceptionType,
		"failed_at": attempt.Failure.FailedAt,
	})

	return stored, nil
}

// Get loads a failed message by unique id.
func (s *Service) Get(ctx context.Context, id string) (*messages.FailedMessage, error) {
	return s.store.Load(ctx, id)
}

// List queries failed messages with pagination.
func (s *Service) List(ctx context.Context, f Filter) (*Page, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.List(ctx, f)
}

// Counts returns the per-status totals.
func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.store.Counts(ctx)
}

// Resolve marks a message resolved by operator action and schedules its
// expiration. Resolving an already resolved message is a no-op; an unknown
// id is ErrNotFound.
func (s *Service) Resolve(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.MarkResolved(ctx, id, s.errorExpiry())
	if err != nil {
		return false, fmt.Errorf("failed to resolve %s: %w", id, err)
	}
	if !changed {
		if err := s.ensureExists(ctx, id); err != nil {
			return false, err
		}
	}
	if changed {
		s.logEvent(ctx, messages.SeverityInfo, "Failed message resolved manually", id)
		s.publish(ctx, EventMessageResolvedByUser, map[string]any{"ids": []string{id}})
	}
	return changed, nil
}

// ResolveBetween resolves every unresolved message whose last failure falls
// in the given range.
func (s *Service) ResolveBetween(ctx context.Context, from, to time.Time) (int64, error) {
	n, err := s.store.MarkResolvedBetween(ctx, from, to, s.errorExpiry())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve range: %w", err)
	}
	if n > 0 {
		s.logEvent(ctx, messages.SeverityInfo,
			fmt.Sprintf("%d failed messages resolved manually", n))
		s.publish(ctx, EventMessageResolvedByUser, map[string]any{"from": from, "to": to, "count": n})
	}
	return n, nil
}

// Archive parks a message and schedules its expiration. Any outstanding
// retry link is abandoned by the recovery pipeline when it sees the status.
// An unknown id is ErrNotFound.
func (s *Service) Archive(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.MarkArchived(ctx, id, s.errorExpiry())
	if err != nil {
		return false, fmt.Errorf("failed to archive %s: %w", id, err)
	}
	if !changed {
		if err := s.ensureExists(ctx, id); err != nil {
			return false, err
		}
	}
	if changed {
		s.logEvent(ctx, messages.SeverityInfo, "Failed message archived", id)
		s.publish(ctx, EventMessageArchived, map[string]any{"id": id})
	}
	return changed, nil
}

// UnArchive restores archived messages to unresolved and cancels their
// pending expiration.
func (s *Service) UnArchive(ctx context.Context, ids []string) (int64, error) {
	n, err := s.store.UnArchive(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to unarchive: %w", err)
	}
	if n > 0 {
		s.logEvent(ctx, messages.SeverityInfo,
			fmt.Sprintf("%d failed messages unarchived", n), ids...)
		s.publish(ctx, EventMessagesUnArchived, map[string]any{"ids": ids, "count": n})
	}
	return n, nil
}

// UnArchiveOne restores one archived message. An unknown id is ErrNotFound;
// false means the message exists but was not archived.
func (s *Service) UnArchiveOne(ctx context.Context, id string) (bool, error) {
	n, err := s.UnArchive(ctx, []string{id})
	if err != nil {
		return false, err
	}
	if n == 0 {
		if err := s.ensureExists(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// UnArchiveBetween restores every message archived with a last failure in
// the given range.
func (s *Service) UnArchiveBetween(ctx context.Context, from, to time.Time) (int64, error) {
	n, err := s.store.UnArchiveBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to unarchive range: %w", err)
	}
	if n > 0 {
		s.logEvent(ctx, messages.SeverityInfo,
			fmt.Sprintf("%d failed messages unarchived", n))
		s.publish(ctx, EventMessagesUnArchived, map[string]any{"from": from, "to": to, "count": n})
	}
	return n, nil
}

// ResolveDueRetries resolves messages whose retry has been out for longer
// than the tracking window with no new failure report. There is no positive
// acknowledgment from the original endpoint; silence is the only success
// signal available.
func (s *Service) ResolveDueRetries(ctx context.Context) (int64, error) {
	cutoff := clock.Now().Add(-s.cfg.TrackingWindow)
	ids, err := s.store.ResolveDueRetries(ctx, cutoff, s.errorExpiry())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve due retries: %w", err)
	}
	if len(ids) > 0 {
		s.logger.Info("retried messages resolved", "count", len(ids))
		s.publish(ctx, EventMessageResolvedByRetry, map[string]any{"ids": ids})
	}
	return int64(len(ids)), nil
}

// RunResolver periodically applies the inferred-success policy until the
// context is cancelled.
func (s *Service) RunResolver(ctx context.Context, interval time.Duration) {
	s.logger.Info("starting retry resolver", "interval", interval, "tracking_window", s.cfg.TrackingWindow)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry resolver stopped")
			return
		case <-ticker.C:
			if _, err := s.ResolveDueRetries(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retry resolver pass failed", "error", err)
			}
		}
	}
}

func (s *Service) errorExpiry() time.Time {
	return clock.Now().Add(s.cfg.ErrorRetention)
}

func (s *Service) ensureExists(ctx context.Context, id string) error {
	exists, err := s.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *Service) logEvent(ctx context.Context, severity, description string, related ...string) {
	expiry := clock.Now().Add(s.cfg.EventLogRetention)
	item := messages.EventLogItem{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Severity:    severity,
		Description: description,
		RelatedIDs:  related,
		RaisedAt:    clock.Now(),
		ExpiresAt:   &expiry,
	}
	if err := s.eventLog.Insert(ctx, item); err != nil {
		// The event log is advisory; losing an entry must not fail the operation.
		s.logger.Error("failed to write event log entry", "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if err := s.integrations.Publish(ctx, eventType, payload); err != nil {
		s.logger.Error("failed to enqueue integration event",
			"event_type", eventType,
			"error", err,
		)
	}
}
