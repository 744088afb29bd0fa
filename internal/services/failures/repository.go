package failures

import (
	"context"
	"errors"
	"time"

	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// ErrNotFound is returned when no failed message exists for an id.
var ErrNotFound = errors.New("failed message not found")

// ErrVersionConflict is returned by Store when the record changed underneath
// the caller. Read-modify-write sequences retry on it.
var ErrVersionConflict = errors.New("failed message version conflict")

// Filter selects failed messages for list queries.
type Filter struct {
	Status   *messages.Status
	Endpoint string
	GroupID  string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// Summary is the list projection of a failed message.
type Summary struct {
	ID           string          `json:"id"`
	Status       messages.Status `json:"status"`
	StatusName   string          `json:"status_name"`
	Endpoint     string          `json:"endpoint"`
	AttemptCount int             `json:"attempt_count"`
	LastFailedAt time.Time       `json:"last_failed_at"`
	Exception    string          `json:"exception"`
}

// Page is a paginated list result. Stale reports whether the underlying
// index may lag recent writes; callers treat stale results as approximate.
type Page struct {
	Messages []Summary `json:"messages"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
	Stale    bool      `json:"stale"`
}

// Counts are the per-status aggregate totals published to subscribers.
type Counts struct {
	Unresolved  int64 `json:"unresolved"`
	Resolved    int64 `json:"resolved"`
	RetryIssued int64 `json:"retry_issued"`
	Archived    int64 `json:"archived"`
}

// Repository is the persistence surface for failed messages.
//
// Load/Store form the optimistic read-modify-write pair: Store checks the
// record's version and fails with ErrVersionConflict when it moved. The
// Mark*/UnArchive operations are conditional field updates applied in a
// single statement, so they need no version handling.
type Repository interface {
	Load(ctx context.Context, id string) (*messages.FailedMessage, error)
	Store(ctx context.Context, msg *messages.FailedMessage) error

	// Exists reports whether a record with the id is present at all. The
	// conditional Mark* updates below report changed=false both for a missing
	// record and for one already in the target state; callers that must tell
	// the two apart check here.
	Exists(ctx context.Context, id string) (bool, error)

	MarkResolved(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	MarkResolvedBetween(ctx context.Context, from, to time.Time, expiresAt time.Time) (int64, error)
	MarkArchived(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	UnArchive(ctx context.Context, ids []string) (int64, error)
	UnArchiveBetween(ctx context.Context, from, to time.Time) (int64, error)

	// ResolveDueRetries resolves messages whose retry was issued before the
	// cutoff and that have not failed since (inferred success).
	ResolveDueRetries(ctx context.Context, cutoff time.Time, expiresAt time.Time) ([]string, error)

	List(ctx context.Context, f Filter) (*Page, error)
	Counts(ctx context.Context) (Counts, error)
}

// EventLogWriter records operator-visible event log entries.
type EventLogWriter interface {
	Insert(ctx context.Context, item messages.EventLogItem) error
}

// IntegrationPublisher enqueues an integration event for external dispatch.
type IntegrationPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}
