package ingest

import (
	"fmt"
	"time"

	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// FailureReport is the wire format a transport adapter publishes to the
// error topic when a message exhausts its immediate retries.
type FailureReport struct {
	MessageID string            `json:"message_id"`
	Endpoint  string            `json:"endpoint"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body"`

	ExceptionType string    `json:"exception_type"`
	ExceptionMsg  string    `json:"exception_message"`
	StackTrace    string    `json:"stack_trace,omitempty"`
	FailedAt      time.Time `json:"failed_at"`
	TimeSent      time.Time `json:"time_sent,omitempty"`
}

// Validate checks the fields the pipeline cannot function without.
func (r *FailureReport) Validate() error {
	if r.MessageID == "" {
		return fmt.Errorf("message_id is required")
	}
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if r.FailedAt.IsZero() {
		return fmt.Errorf("failed_at is required")
	}
	return nil
}

// UniqueID derives the stable identity of the failed message: the same
// message failing at the same endpoint always lands on the same record.
func (r *FailureReport) UniqueID() string {
	return messages.UniqueID(r.MessageID, r.Endpoint)
}

// Attempt converts the report into a processing attempt.
func (r *FailureReport) Attempt() messages.ProcessingAttempt {
	return messages.ProcessingAttempt{
		MessageID: r.MessageID,
		Endpoint:  r.Endpoint,
		Headers:   r.Headers,
		Failure: messages.FailureDetails{
			ExceptionType: r.ExceptionType,
			Message:       r.ExceptionMsg,
			StackTrace:    r.StackTrace,
			FailedAt:      r.FailedAt.UTC(),
			TimeSent:      r.TimeSent.UTC(),
		},
	}
}
