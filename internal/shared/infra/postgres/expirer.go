package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/messagewatch/internal/shared/domain/clock"
)

// ExpirerConfig holds the retention sweep settings.
type ExpirerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Expirer deletes records whose retention marker has elapsed: resolved and
// archived failed messages (with their bodies and any leftover retry links)
// and old event log entries. Records without a marker are kept forever.
type Expirer struct {
	pool   *pgxpool.Pool
	config ExpirerConfig
	logger *slog.Logger
}

// NewExpirer creates a retention sweeper.
func NewExpirer(pool *pgxpool.Pool, config ExpirerConfig, logger *slog.Logger) *Expirer {
	return &Expirer{
		pool:   pool,
		config: config,
		logger: logger.With("component", "expirer"),
	}
}

// Run sweeps until the context is cancelled.
func (e *Expirer) Run(ctx context.Context) error {
	e.logger.Info("starting retention sweep",
		"interval", e.config.Interval,
		"batch_size", e.config.BatchSize,
	)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("retention sweep stopped")
			return nil
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// sweep deletes expired records in bounded batches, looping until a batch
// comes back short so one tick catches up after downtime.
func (e *Expirer) sweep(ctx context.Context) {
	now := clock.Now()

	for ctx.Err() == nil {
		n, err := e.expireMessages(ctx, now)
		if err != nil {
			e.logger.Error("failed to expire messages", "error", err)
			break
		}
		if n > 0 {
			e.logger.Info("expired failed messages", "count", n)
		}
		if n < int64(e.config.BatchSize) {
			break
		}
	}

	n, err := e.expireEventLog(ctx, now)
	if err != nil {
		e.logger.Error("failed to expire event log entries", "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("expired event log entries", "count", n)
	}
}

// expireMessages deletes one batch of expired failed messages together with
// their bodies and retry links.
func (e *Expirer) expireMessages(ctx context.Context, now time.Time) (int64, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin expiry transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		WITH expired AS (
			SELECT id FROM failed_messages
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			LIMIT $2
		),
		_bodies AS (
			DELETE FROM message_bodies WHERE id IN (SELECT id FROM expired)
		),
		_links AS (
			DELETE FROM failed_message_retries WHERE id IN (SELECT id FROM expired)
		)
		DELETE FROM failed_messages WHERE id IN (SELECT id FROM expired)
	`
	result, err := tx.Exec(ctx, query, now, e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit expiry: %w", err)
	}
	return result.RowsAffected(), nil
}

func (e *Expirer) expireEventLog(ctx context.Context, now time.Time) (int64, error) {
	result, err := e.pool.Exec(ctx,
		`DELETE FROM event_log WHERE expires_at IS NOT NULL AND expires_at <= $1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	return result.RowsAffected(), nil
}
