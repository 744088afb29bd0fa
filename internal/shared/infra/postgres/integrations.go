package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/messagewatch/internal/services/failures"
	"github.com/cornjacket/messagewatch/internal/services/integrations"
)

// IntegrationEventRepo is the durable queue between the services that
// announce integration events and the dispatcher that drains them. The
// insert trigger fires pg_notify, which is what wakes the dispatcher.
type IntegrationEventRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewIntegrationEventRepo creates a new IntegrationEventRepo.
func NewIntegrationEventRepo(pool *pgxpool.Pool, logger *slog.Logger) *IntegrationEventRepo {
	return &IntegrationEventRepo{
		pool:   pool,
		logger: logger.With("repository", "integration_events"),
	}
}

// Publish enqueues an integration event. The row insert and the NOTIFY are
// one atomic operation, so a committed event is never silently unannounced.
func (r *IntegrationEventRepo) Publish(ctx context.Context, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal integration event: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	query := `INSERT INTO integration_events (id, event_type, payload) VALUES ($1, $2, $3)`
	if _, err := r.pool.Exec(ctx, query, id, eventType, body); err != nil {
		return fmt.Errorf("failed to enqueue integration event: %w", err)
	}

	r.logger.Debug("integration event enqueued", "event_id", id, "event_type", eventType)
	return nil
}

// FetchPending returns the oldest queued events in insertion order. Reads
// come from the primary, so they are never stale.
func (r *IntegrationEventRepo) FetchPending(ctx context.Context, limit int) ([]integrations.Request, bool, error) {
	query := `
		SELECT id, event_type, payload, created_at
		FROM integration_events
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query integration events: %w", err)
	}
	defer rows.Close()

	var events []integrations.Request
	for rows.Next() {
		var e integrations.Request
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload, &e.RecordedAt); err != nil {
			return nil, false, fmt.Errorf("failed to scan integration event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating integration events: %w", err)
	}
	return events, false, nil
}

// Delete removes dispatched events.
func (r *IntegrationEventRepo) Delete(ctx context.Context, ids []string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM integration_events WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete dispatched events: %w", err)
	}
	return nil
}

var (
	_ failures.IntegrationPublisher  = (*IntegrationEventRepo)(nil)
	_ integrations.RequestRepository = (*IntegrationEventRepo)(nil)
)
