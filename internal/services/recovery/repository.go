package recovery

import (
	"context"
	"errors"
	"time"
)

// ErrDestinationNotFound is returned by the Sender when the destination
// queue no longer exists (decommissioned endpoint). The retry for that one
// message fails permanently; the rest of the batch continues.
var ErrDestinationNotFound = errors.New("destination endpoint not found")

// ErrNoneSelected is returned by CreateBatch when the selection resolves to
// no messages.
var ErrNoneSelected = errors.New("no messages matched the selection")

// ErrBodyNotFound is returned by the body store when no body blob exists for
// a message. Staging treats it as a staging failure for the batch.
var ErrBodyNotFound = errors.New("message body not found")

// BatchStore persists retry batches and the now-forwarding pointer.
type BatchStore interface {
	Insert(ctx context.Context, b *Batch) error

	// MoveToStaging flips MarkingDocuments to Staging. A false return means
	// another writer already flipped it, which callers tolerate.
	MoveToStaging(ctx context.Context, batchID string) (bool, error)

	// MarkForwarding flips Staging to Forwarding.
	MarkForwarding(ctx context.Context, batchID string) error

	// Runnable lists the batches owned by the session that still need work —
	// Staging, or Forwarding after an interrupted pass — whose stage
	// attempts are under the budget, oldest first.
	Runnable(ctx context.Context, sessionID string, maxAttempts int) ([]Batch, error)

	// Orphaned lists batches owned by a different session id.
	Orphaned(ctx context.Context, sessionID string) ([]Batch, error)

	// Adopt reassigns a batch to the given session id.
	Adopt(ctx context.Context, batchID, sessionID string) error

	// Delete removes a completed batch and its retry links.
	Delete(ctx context.Context, batchID string) error

	// SetForwarding/ClearForwarding maintain the singleton pointer to the
	// batch currently being forwarded; Forwarding reads it back.
	SetForwarding(ctx context.Context, batchID string) error
	ClearForwarding(ctx context.Context) error
	Forwarding(ctx context.Context) (string, bool, error)
}

// RetryStore persists the message→batch retry links.
type RetryStore interface {
	// Claim creates the retry link for a message, or takes it over only when
	// no batch owns it. Claiming a link this batch already owns succeeds, so
	// marking can be re-run after a crash. Returns false when another batch
	// holds the link.
	Claim(ctx context.Context, messageID, batchID string) (bool, error)

	ForBatch(ctx context.Context, batchID string) ([]Retry, error)
	Delete(ctx context.Context, messageID string) error

	// BumpStageAttempts increments the staging-attempt counter on every link
	// in the batch after a failed staging pass.
	BumpStageAttempts(ctx context.Context, batchID string) error
}

// MessageStore is the slice of the failed message store the retry pipeline
// needs.
type MessageStore interface {
	// SelectIDs resolves a selection to the unique ids of currently
	// unresolved messages.
	SelectIDs(ctx context.Context, sel Selection) ([]string, error)

	Exists(ctx context.Context, id string) (bool, error)

	// MarkRetryIssued transitions unresolved messages to retry-issued and
	// returns the ids actually transitioned.
	MarkRetryIssued(ctx context.Context, ids []string, at time.Time) ([]string, error)

	// MarkUnresolved drops a retry-issued message back to unresolved after
	// its retry failed permanently.
	MarkUnresolved(ctx context.Context, id string) error

	// StagingData loads the forwarding headers and destination for a message.
	// ok is false when the message is gone or no longer retryable (archived
	// or resolved since the batch was created).
	StagingData(ctx context.Context, id string) (headers map[string]string, messageID, destination string, ok bool, err error)
}

// BodyStore loads the stored message body blobs.
type BodyStore interface {
	Load(ctx context.Context, id string) ([]byte, error)
}

// Sender forwards a staged message to a destination queue.
type Sender interface {
	Send(ctx context.Context, msg StagedMessage, destination string) error
}
