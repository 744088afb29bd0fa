package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/messagewatch/internal/services/failures"
	"github.com/cornjacket/messagewatch/internal/services/recovery"
	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// FailedMessageRepo implements failures.Repository and recovery.MessageStore
// using PostgreSQL. The attempt history lives in a JSONB column; the fields
// queries filter on (status, endpoint, queue, group, timestamps) are
// denormalized into columns Store keeps in sync.
type FailedMessageRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewFailedMessageRepo creates a new FailedMessageRepo.
func NewFailedMessageRepo(pool *pgxpool.Pool, logger *slog.Logger) *FailedMessageRepo {
	return &FailedMessageRepo{
		pool:   pool,
		logger: logger.With("repository", "failed_messages"),
	}
}

// Load reads one failed message by its unique id.
func (r *FailedMessageRepo) Load(ctx context.Context, id string) (*messages.FailedMessage, error) {
	query := `
		SELECT status, attempts, retried_at, expires_at, version
		FROM failed_messages
		WHERE id = $1
	`

	msg := &messages.FailedMessage{ID: id}
	var attempts []byte

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&msg.Status, &attempts, &msg.RetriedAt, &msg.ExpiresAt, &msg.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, failures.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load failed message: %w", err)
	}

	if err := json.Unmarshal(attempts, &msg.Attempts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attempts: %w", err)
	}

	return msg, nil
}

// Store writes the message with an optimistic version check. Version zero
// inserts; anything else updates the exact version it read. The caller's
// Version field is advanced on success.
func (r *FailedMessageRepo) Store(ctx context.Context, msg *messages.FailedMessage) error {
	attempts, err := json.Marshal(msg.Attempts)
	if err != nil {
		return fmt.Errorf("failed to marshal attempts: %w", err)
	}

	endpoint := msg.Endpoint()
	var groupID *string
	if last, ok := msg.LastAttempt(); ok {
		g := messages.GroupID(last.Endpoint, last.Failure.ExceptionType)
		groupID = &g
	}
	var lastFailedAt *time.Time
	if t := msg.LastFailedAt(); !t.IsZero() {
		lastFailedAt = &t
	}

	if msg.Version == 0 {
		query := `
			INSERT INTO failed_messages
				(id, status, attempts, endpoint, queue, group_id, last_failed_at, retried_at, expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			ON CONFLICT (id) DO NOTHING
		`
		result, err := r.pool.Exec(ctx, query,
			msg.ID, msg.Status, attempts, endpoint, endpoint, groupID,
			lastFailedAt, msg.RetriedAt, msg.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert failed message: %w", err)
		}
		if result.RowsAffected() == 0 {
			return failures.ErrVersionConflict
		}
		msg.Version = 1
		return nil
	}

	query := `
		UPDATE failed_messages
		SET status = $2, attempts = $3, endpoint = $4, queue = $5, group_id = $6,
		    last_failed_at = $7, retried_at = $8, expires_at = $9, version = version + 1
		WHERE id = $1 AND version = $10
	`
	result, err := r.pool.Exec(ctx, query,
		msg.ID, msg.Status, attempts, endpoint, endpoint, groupID,
		lastFailedAt, msg.RetriedAt, msg.ExpiresAt, msg.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return failures.ErrVersionConflict
	}
	msg.Version++
	return nil
}

// MarkResolved resolves one message unless it already is.
func (r *FailedMessageRepo) MarkResolved(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE failed_messages
		SET status = $2, retried_at = NULL, expires_at = $3, version = version + 1
		WHERE id = $1 AND status <> $2
	`
	result, err := r.pool.Exec(ctx, query, id, messages.StatusResolved, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to resolve message: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkResolvedBetween resolves every open message that last failed inside
// the range.
func (r *FailedMessageRepo) MarkResolvedBetween(ctx context.Context, from, to time.Time, expiresAt time.Time) (int64, error) {
	query := `
		UPDATE failed_messages
		SET status = $3, retried_at = NULL, expires_at = $4, version = version + 1
		WHERE last_failed_at >= $1 AND last_failed_at <= $2
		  AND status IN ($5, $6)
	`
	result, err := r.pool.Exec(ctx, query, from, to,
		messages.StatusResolved, expiresAt,
		messages.StatusUnresolved, messages.StatusRetryIssued,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve messages in range: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkArchived archives one message unless it already is.
func (r *FailedMessageRepo) MarkArchived(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE failed_messages
		SET status = $2, retried_at = NULL, expires_at = $3, version = version + 1
		WHERE id = $1 AND status <> $2
	`
	result, err := r.pool.Exec(ctx, query, id, messages.StatusArchived, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to archive message: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// UnArchive returns archived messages to unresolved, clearing their
// retention markers, in one statement.
func (r *FailedMessageRepo) UnArchive(ctx context.Context, ids []string) (int64, error) {
	query := `
		UPDATE failed_messages
		SET status = $2, expires_at = NULL, version = version + 1
		WHERE id = ANY($1) AND status = $3
	`
	result, err := r.pool.Exec(ctx, query, ids, messages.StatusUnresolved, messages.StatusArchived)
	if err != nil {
		return 0, fmt.Errorf("failed to unarchive messages: %w", err)
	}
	return result.RowsAffected(), nil
}

// UnArchiveBetween unarchives every message that last failed inside the range.
func (r *FailedMessageRepo) UnArchiveBetween(ctx context.Context, from, to time.Time) (int64, error) {
	query := `
		UPDATE failed_messages
		SET status = $3, expires_at = NULL, version = version + 1
		WHERE last_failed_at >= $1 AND last_failed_at <= $2 AND status = $4
	`
	result, err := r.pool.Exec(ctx, query, from, to, messages.StatusUnresolved, messages.StatusArchived)
	if err != nil {
		return 0, fmt.Errorf("failed to unarchive messages in range: %w", err)
	}
	return result.RowsAffected(), nil
}

// ResolveDueRetries resolves messages whose retry went out before the cutoff
// and that have not failed again since. A new failure report would have
// reset the status, so still being retry-issued past the window is taken as
// success.
func (r *FailedMessageRepo) ResolveDueRetries(ctx context.Context, cutoff time.Time, expiresAt time.Time) ([]string, error) {
	query := `
		UPDATE failed_messages
		SET status = $2, retried_at = NULL, expires_at = $3, version = version + 1
		WHERE status = $4 AND retried_at <= $1
		RETURNING id
	`
	rows, err := r.pool.Query(ctx, query, cutoff,
		messages.StatusResolved, expiresAt, messages.StatusRetryIssued,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve due retries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resolved id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resolved ids: %w", err)
	}
	return ids, nil
}

// List returns a page of summaries matching the filter, newest failures
// first, with the total match count. Reads come from the primary, so the
// page is never stale.
func (r *FailedMessageRepo) List(ctx context.Context, f failures.Filter) (*failures.Page, error) {
	where := "TRUE"
	args := []any{}

	addArg := func(clause string, value any) {
		args = append(args, value)
		where += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if f.Status != nil {
		addArg("status =", *f.Status)
	}
	if f.Endpoint != "" {
		addArg("endpoint =", f.Endpoint)
	}
	if f.GroupID != "" {
		addArg("group_id =", f.GroupID)
	}
	if f.From != nil {
		addArg("last_failed_at >=", *f.From)
	}
	if f.To != nil {
		addArg("last_failed_at <=", *f.To)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM failed_messages WHERE " + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count failed messages: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, status, endpoint,
		       jsonb_array_length(attempts),
		       COALESCE(last_failed_at, 'epoch'::timestamptz),
		       COALESCE(attempts->-1->'failure'->>'exception_type', '')
		FROM failed_messages
		WHERE %s
		ORDER BY last_failed_at DESC NULLS LAST
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed messages: %w", err)
	}
	defer rows.Close()

	summaries := []failures.Summary{}
	for rows.Next() {
		var s failures.Summary
		if err := rows.Scan(&s.ID, &s.Status, &s.Endpoint, &s.AttemptCount, &s.LastFailedAt, &s.Exception); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		s.StatusName = s.Status.String()
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summaries: %w", err)
	}

	return &failures.Page{
		Messages: summaries,
		Total:    total,
		Limit:    f.Limit,
		Offset:   f.Offset,
		Stale:    false,
	}, nil
}

// Counts returns the per-status totals.
func (r *FailedMessageRepo) Counts(ctx context.Context) (failures.Counts, error) {
	query := `SELECT status, COUNT(*) FROM failed_messages GROUP BY status`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return failures.Counts{}, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	var counts failures.Counts
	for rows.Next() {
		var status messages.Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return failures.Counts{}, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch status {
		case messages.StatusUnresolved:
			counts.Unresolved = n
		case messages.StatusResolved:
			counts.Resolved = n
		case messages.StatusRetryIssued:
			counts.RetryIssued = n
		case messages.StatusArchived:
			counts.Archived = n
		}
	}
	if err := rows.Err(); err != nil {
		return failures.Counts{}, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// SelectIDs implements recovery.MessageStore: it resolves a retry selection
// to the ids of currently unresolved messages, oldest failures first.
func (r *FailedMessageRepo) SelectIDs(ctx context.Context, sel recovery.Selection) ([]string, error) {
	where := "status = $1"
	args := []any{messages.StatusUnresolved}

	switch sel.Kind {
	case recovery.SelectByIDs:
		args = append(args, sel.IDs)
		where += fmt.Sprintf(" AND id = ANY($%d)", len(args))
	case recovery.SelectByGroup:
		args = append(args, sel.GroupID)
		where += fmt.Sprintf(" AND group_id = $%d", len(args))
	case recovery.SelectByQueue:
		args = append(args, sel.Queue)
		where += fmt.Sprintf(" AND queue = $%d", len(args))
	case recovery.SelectAll:
	default:
		return nil, fmt.Errorf("unknown selection kind %q", sel.Kind)
	}

	if sel.From != nil {
		args = append(args, *sel.From)
		where += fmt.Sprintf(" AND last_failed_at >= $%d", len(args))
	}
	if sel.To != nil {
		args = append(args, *sel.To)
		where += fmt.Sprintf(" AND last_failed_at <= $%d", len(args))
	}

	query := "SELECT id FROM failed_messages WHERE " + where + " ORDER BY last_failed_at ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select retry candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate ids: %w", err)
	}
	return ids, nil
}

// Exists reports whether a failed message record exists.
func (r *FailedMessageRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM failed_messages WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return exists, nil
}

// MarkRetryIssued flips unresolved messages to retry-issued and returns the
// ids actually flipped. Messages resolved or archived since selection fall
// out here.
func (r *FailedMessageRepo) MarkRetryIssued(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	query := `
		UPDATE failed_messages
		SET status = $2, retried_at = $3, version = version + 1
		WHERE id = ANY($1) AND status = $4
		RETURNING id
	`
	rows, err := r.pool.Query(ctx, query, ids,
		messages.StatusRetryIssued, at, messages.StatusUnresolved,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark retries issued: %w", err)
	}
	defer rows.Close()

	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan marked id: %w", err)
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating marked ids: %w", err)
	}
	return marked, nil
}

// MarkUnresolved drops a message back to unresolved after its retry failed
// permanently.
func (r *FailedMessageRepo) MarkUnresolved(ctx context.Context, id string) error {
	query := `
		UPDATE failed_messages
		SET status = $2, retried_at = NULL, expires_at = NULL, version = version + 1
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, messages.StatusUnresolved); err != nil {
		return fmt.Errorf("failed to reopen message: %w", err)
	}
	return nil
}

// StagingData loads the forwarding headers and destination for a
// retry-issued message. ok is false when the record is gone or no longer
// retryable.
func (r *FailedMessageRepo) StagingData(ctx context.Context, id string) (map[string]string, string, string, bool, error) {
	query := `SELECT status, attempts->-1 FROM failed_messages WHERE id = $1`

	var status messages.Status
	var last []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(&status, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", "", false, nil
	}
	if err != nil {
		return nil, "", "", false, fmt.Errorf("failed to load staging data: %w", err)
	}
	if status != messages.StatusRetryIssued || last == nil {
		return nil, "", "", false, nil
	}

	var attempt messages.ProcessingAttempt
	if err := json.Unmarshal(last, &attempt); err != nil {
		return nil, "", "", false, fmt.Errorf("failed to unmarshal last attempt: %w", err)
	}

	return attempt.Headers, attempt.MessageID, attempt.Endpoint, true, nil
}

var (
	_ failures.Repository   = (*FailedMessageRepo)(nil)
	_ recovery.MessageStore = (*FailedMessageRepo)(nil)
)
