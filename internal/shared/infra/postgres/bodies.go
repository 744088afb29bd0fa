package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/messagewatch/internal/services/recovery"
)

// BodyRepo stores raw message bodies keyed by the message unique id.
// Implements recovery.BodyStore and ingest.BodyWriter.
type BodyRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewBodyRepo creates a new BodyRepo.
func NewBodyRepo(pool *pgxpool.Pool, logger *slog.Logger) *BodyRepo {
	return &BodyRepo{
		pool:   pool,
		logger: logger.With("repository", "message_bodies"),
	}
}

// Store upserts the body blob. Replayed failure reports overwrite with the
// same bytes, which keeps ingestion idempotent.
func (r *BodyRepo) Store(ctx context.Context, uniqueID string, body []byte) error {
	query := `
		INSERT INTO message_bodies (id, body)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body
	`
	if _, err := r.pool.Exec(ctx, query, uniqueID, body); err != nil {
		return fmt.Errorf("failed to store message body: %w", err)
	}
	return nil
}

// Load reads the body blob back.
func (r *BodyRepo) Load(ctx context.Context, uniqueID string) ([]byte, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `SELECT body FROM message_bodies WHERE id = $1`, uniqueID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recovery.ErrBodyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message body: %w", err)
	}
	return body, nil
}

var _ recovery.BodyStore = (*BodyRepo)(nil)
