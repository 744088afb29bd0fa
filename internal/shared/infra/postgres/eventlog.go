package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/messagewatch/internal/services/failures"
	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// EventLogRepo implements failures.EventLogWriter using PostgreSQL.
type EventLogRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewEventLogRepo creates a new EventLogRepo.
func NewEventLogRepo(pool *pgxpool.Pool, logger *slog.Logger) *EventLogRepo {
	return &EventLogRepo{
		pool:   pool,
		logger: logger.With("repository", "event_log"),
	}
}

// Insert records one event log entry.
func (r *EventLogRepo) Insert(ctx context.Context, item messages.EventLogItem) error {
	related, err := json.Marshal(item.RelatedIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal related ids: %w", err)
	}

	query := `
		INSERT INTO event_log (id, severity, description, related_ids, raised_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.pool.Exec(ctx, query,
		item.ID, item.Severity, item.Description, related, item.RaisedAt, item.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event log entry: %w", err)
	}
	return nil
}

var _ failures.EventLogWriter = (*EventLogRepo)(nil)
