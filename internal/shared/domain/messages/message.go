package messages

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a failed message.
type Status int

const (
	// StatusUnresolved means the message has failed and nobody has dealt with it yet.
	StatusUnresolved Status = 1

	// StatusResolved means the message is considered fixed (a retry went through
	// without a new failure report, or an operator resolved it by hand).
	StatusResolved Status = 2

	// StatusRetryIssued means a retry batch has picked the message up and it is
	// on its way back to the original endpoint.
	StatusRetryIssued Status = 3

	// StatusArchived means an operator has parked the message.
	StatusArchived Status = 4
)

// String returns the lowercase wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusUnresolved:
		return "unresolved"
	case StatusResolved:
		return "resolved"
	case StatusRetryIssued:
		return "retryissued"
	case StatusArchived:
		return "archived"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// FailureDetails describes the exception that caused a processing attempt to fail.
type FailureDetails struct {
	ExceptionType string    `json:"exception_type"`
	Message       string    `json:"message"`
	StackTrace    string    `json:"stack_trace,omitempty"`
	FailedAt      time.Time `json:"failed_at"`
	TimeSent      time.Time `json:"time_sent"`
}

// ProcessingAttempt is one recorded failure of the message at its endpoint.
// Attempts are append-only; the newest attempt carries the headers used when
// the message is forwarded again.
type ProcessingAttempt struct {
	MessageID string            `json:"message_id"`
	Endpoint  string            `json:"endpoint"`
	Headers   map[string]string `json:"headers,omitempty"`
	Failure   FailureDetails    `json:"failure"`
}

// FailedMessage is the durable record of a logical message that failed
// processing, keyed by the deterministic unique id for its
// (message id, receiving endpoint) pair.
type FailedMessage struct {
	ID       string              `json:"id"`
	Status   Status              `json:"status"`
	Attempts []ProcessingAttempt `json:"attempts"`

	// RetriedAt is set when a retry batch issues a retry for this message.
	// A message still in StatusRetryIssued once the tracking window has
	// elapsed past RetriedAt is considered successfully reprocessed.
	RetriedAt *time.Time `json:"retried_at,omitempty"`

	// ExpiresAt is the retention marker. Set on resolve/archive, cleared
	// whenever the message becomes unresolved again. The store's background
	// sweep deletes the record once the marker elapses.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Version is the store's change vector, used for optimistic concurrency.
	// Zero means the record has not been persisted yet.
	Version int64 `json:"-"`
}

// New creates an unresolved failed message with no attempts recorded yet.
func New(id string) *FailedMessage {
	return &FailedMessage{
		ID:     id,
		Status: StatusUnresolved,
	}
}

// RecordAttempt appends a processing attempt and reopens the message.
// A message that was resolved or archived can fail again; recording the new
// attempt drops it back to unresolved and clears any retention marker, and a
// message with an outstanding retry is reopened rather than left stuck in
// retry-issued.
func (m *FailedMessage) RecordAttempt(attempt ProcessingAttempt) {
	m.Attempts = append(m.Attempts, attempt)
	m.Status = StatusUnresolved
	m.RetriedAt = nil
	m.ExpiresAt = nil
}

// LastAttempt returns the most recent processing attempt.
func (m *FailedMessage) LastAttempt() (ProcessingAttempt, bool) {
	if len(m.Attempts) == 0 {
		return ProcessingAttempt{}, false
	}
	return m.Attempts[len(m.Attempts)-1], true
}

// LastFailedAt returns the failure time of the most recent attempt.
func (m *FailedMessage) LastFailedAt() time.Time {
	last, ok := m.LastAttempt()
	if !ok {
		return time.Time{}
	}
	return last.Failure.FailedAt
}

// Endpoint returns the receiving endpoint recorded on the most recent attempt.
// This is the destination a retry is forwarded to.
func (m *FailedMessage) Endpoint() string {
	last, ok := m.LastAttempt()
	if !ok {
		return ""
	}
	return last.Endpoint
}

// MarkResolved transitions the message to resolved and sets the retention
// marker. Returns false when the message is already resolved.
func (m *FailedMessage) MarkResolved(expiresAt time.Time) bool {
	if m.Status == StatusResolved {
		return false
	}
	m.Status = StatusResolved
	m.RetriedAt = nil
	m.ExpiresAt = &expiresAt
	return true
}

// MarkArchived transitions the message to archived and sets the retention
// marker. Returns false when the message is already archived.
func (m *FailedMessage) MarkArchived(expiresAt time.Time) bool {
	if m.Status == StatusArchived {
		return false
	}
	m.Status = StatusArchived
	m.RetriedAt = nil
	m.ExpiresAt = &expiresAt
	return true
}

// UnArchive reverses an archive, clearing the retention marker.
// Returns false when the message is not archived.
func (m *FailedMessage) UnArchive() bool {
	if m.Status != StatusArchived {
		return false
	}
	m.Status = StatusUnresolved
	m.ExpiresAt = nil
	return true
}

// MarkRetryIssued records that a retry batch has taken the message.
// Only unresolved messages can have retries issued; anything else is a no-op
// (the batch tolerates messages archived or resolved under its feet).
func (m *FailedMessage) MarkRetryIssued(at time.Time) bool {
	if m.Status != StatusUnresolved {
		return false
	}
	m.Status = StatusRetryIssued
	m.RetriedAt = &at
	return true
}
