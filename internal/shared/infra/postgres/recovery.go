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

// RetryBatchRepo implements recovery.BatchStore using PostgreSQL.
type RetryBatchRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRetryBatchRepo creates a new RetryBatchRepo.
func NewRetryBatchRepo(pool *pgxpool.Pool, logger *slog.Logger) *RetryBatchRepo {
	return &RetryBatchRepo{
		pool:   pool,
		logger: logger.With("repository", "retry_batches"),
	}
}

// Insert adds a retry batch.
func (r *RetryBatchRepo) Insert(ctx context.Context, b *recovery.Batch) error {
	query := `
		INSERT INTO retry_batches
			(id, status, originator, classifier, session_id, initial_count, started_at, cutoff, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`
	_, err := r.pool.Exec(ctx, query,
		b.ID, b.Status, b.Originator, b.Classifier, b.SessionID,
		b.InitialCount, b.StartedAt, b.Cutoff,
	)
	if err != nil {
		return fmt.Errorf("failed to insert retry batch: %w", err)
	}
	return nil
}

// MoveToStaging flips MarkingDocuments to Staging. Losing the race to
// another writer is reported, not an error.
func (r *RetryBatchRepo) MoveToStaging(ctx context.Context, batchID string) (bool, error) {
	query := `
		UPDATE retry_batches
		SET status = $2, version = version + 1
		WHERE id = $1 AND status = $3
	`
	result, err := r.pool.Exec(ctx, query, batchID,
		recovery.BatchStaging, recovery.BatchMarkingDocuments,
	)
	if err != nil {
		return false, fmt.Errorf("failed to move batch to staging: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkForwarding flips Staging to Forwarding.
func (r *RetryBatchRepo) MarkForwarding(ctx context.Context, batchID string) error {
	query := `
		UPDATE retry_batches
		SET status = $2, version = version + 1
		WHERE id = $1 AND status = $3
	`
	if _, err := r.pool.Exec(ctx, query, batchID, recovery.BatchForwarding, recovery.BatchStaging); err != nil {
		return fmt.Errorf("failed to mark batch forwarding: %w", err)
	}
	return nil
}

const batchColumns = `id, status, originator, classifier, session_id, initial_count, started_at, cutoff`

func scanBatch(row pgx.Row) (*recovery.Batch, error) {
	var b recovery.Batch
	err := row.Scan(&b.ID, &b.Status, &b.Originator, &b.Classifier,
		&b.SessionID, &b.InitialCount, &b.StartedAt, &b.Cutoff)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Runnable lists the batches owned by the session that still need work,
// oldest first. Forwarding batches count: a transient transport failure
// leaves a batch mid-forward, and it must be picked up again on the next
// pass. Parked batches (budget exhausted) are skipped until an operator
// intervenes.
func (r *RetryBatchRepo) Runnable(ctx context.Context, sessionID string, maxAttempts int) ([]recovery.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM retry_batches b
		WHERE b.status IN ($1, $2) AND b.session_id = $3
		  AND NOT EXISTS (
			SELECT 1 FROM failed_message_retries r
			WHERE r.retry_batch_id = b.id AND r.stage_attempts >= $4
		  )
		ORDER BY b.started_at ASC
	`
	rows, err := r.pool.Query(ctx, query,
		recovery.BatchStaging, recovery.BatchForwarding, sessionID, maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable batches: %w", err)
	}
	defer rows.Close()

	var batches []recovery.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runnable batches: %w", err)
	}
	return batches, nil
}

// Orphaned lists batches owned by a different session id.
func (r *RetryBatchRepo) Orphaned(ctx context.Context, sessionID string) ([]recovery.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM retry_batches
		WHERE session_id <> $1
		ORDER BY started_at ASC
	`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned batches: %w", err)
	}
	defer rows.Close()

	var batches []recovery.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

// Adopt reassigns a batch to the given session id.
func (r *RetryBatchRepo) Adopt(ctx context.Context, batchID, sessionID string) error {
	query := `UPDATE retry_batches SET session_id = $2, version = version + 1 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, batchID, sessionID); err != nil {
		return fmt.Errorf("failed to adopt batch: %w", err)
	}
	return nil
}

// Delete removes a completed batch and its remaining retry links in one
// transaction.
func (r *RetryBatchRepo) Delete(ctx context.Context, batchID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM failed_message_retries WHERE retry_batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("failed to delete batch retry links: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM retry_batches WHERE id = $1`, batchID); err != nil {
		return fmt.Errorf("failed to delete batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch delete: %w", err)
	}
	return nil
}

// SetForwarding points the forwarding singleton at the batch.
func (r *RetryBatchRepo) SetForwarding(ctx context.Context, batchID string) error {
	query := `
		INSERT INTO retry_forwarding (singleton, batch_id)
		VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET batch_id = EXCLUDED.batch_id
	`
	if _, err := r.pool.Exec(ctx, query, batchID); err != nil {
		return fmt.Errorf("failed to set forwarding pointer: %w", err)
	}
	return nil
}

// ClearForwarding removes the forwarding pointer.
func (r *RetryBatchRepo) ClearForwarding(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM retry_forwarding`); err != nil {
		return fmt.Errorf("failed to clear forwarding pointer: %w", err)
	}
	return nil
}

// Forwarding reads the forwarding pointer back.
func (r *RetryBatchRepo) Forwarding(ctx context.Context) (string, bool, error) {
	var batchID string
	err := r.pool.QueryRow(ctx, `SELECT batch_id FROM retry_forwarding`).Scan(&batchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read forwarding pointer: %w", err)
	}
	return batchID, true, nil
}

// RetryLinkRepo implements recovery.RetryStore using PostgreSQL.
type RetryLinkRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRetryLinkRepo creates a new RetryLinkRepo.
func NewRetryLinkRepo(pool *pgxpool.Pool, logger *slog.Logger) *RetryLinkRepo {
	return &RetryLinkRepo{
		pool:   pool,
		logger: logger.With("repository", "failed_message_retries"),
	}
}

// Claim creates the retry link, or takes it over only when no batch owns
// it. Re-claiming for the same batch succeeds so marking can be re-run
// after a crash; a link owned by another batch is left alone.
func (r *RetryLinkRepo) Claim(ctx context.Context, messageID, batchID string) (bool, error) {
	query := `
		INSERT INTO failed_message_retries (id, retry_batch_id, stage_attempts)
		VALUES ($1, $2, 0)
		ON CONFLICT (id) DO UPDATE SET retry_batch_id = EXCLUDED.retry_batch_id
		WHERE failed_message_retries.retry_batch_id IS NULL
		   OR failed_message_retries.retry_batch_id = EXCLUDED.retry_batch_id
	`
	result, err := r.pool.Exec(ctx, query, messageID, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to claim retry link: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ForBatch lists the links owned by a batch.
func (r *RetryLinkRepo) ForBatch(ctx context.Context, batchID string) ([]recovery.Retry, error) {
	query := `
		SELECT id, retry_batch_id, stage_attempts
		FROM failed_message_retries
		WHERE retry_batch_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch retry links: %w", err)
	}
	defer rows.Close()

	var links []recovery.Retry
	for rows.Next() {
		var link recovery.Retry
		if err := rows.Scan(&link.MessageID, &link.BatchID, &link.StageAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan retry link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retry links: %w", err)
	}
	return links, nil
}

// Delete removes one retry link.
func (r *RetryLinkRepo) Delete(ctx context.Context, messageID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM failed_message_retries WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("failed to delete retry link: %w", err)
	}
	return nil
}

// BumpStageAttempts increments the attempt counter on every link in the
// batch after a failed staging pass.
func (r *RetryLinkRepo) BumpStageAttempts(ctx context.Context, batchID string) error {
	query := `
		UPDATE failed_message_retries
		SET stage_attempts = stage_attempts + 1
		WHERE retry_batch_id = $1
	`
	if _, err := r.pool.Exec(ctx, query, batchID); err != nil {
		return fmt.Errorf("failed to bump stage attempts: %w", err)
	}
	return nil
}

var (
	_ recovery.BatchStore = (*RetryBatchRepo)(nil)
	_ recovery.RetryStore = (*RetryLinkRepo)(nil)
)
