package recovery

import (
	"time"
)

// BatchStatus is the staging state of a retry batch.
type BatchStatus int

const (
	// BatchMarkingDocuments: the batch and its retry links are being created.
	BatchMarkingDocuments BatchStatus = 1

	// BatchStaging: links are in place; the batch is queued for the stager,
	// which loads the whole batch before handing it to the dispatcher.
	BatchStaging BatchStatus = 2

	// BatchForwarding: the batch is being sent to the transport.
	BatchForwarding BatchStatus = 3
)

// Batch is one retry operation over a set of failed messages.
type Batch struct {
	ID         string      `json:"id"`
	Status     BatchStatus `json:"status"`
	Originator string      `json:"originator"`
	Classifier string      `json:"classifier"`

	// SessionID identifies the process instance that created the batch.
	// A batch whose session id does not match the running process was left
	// behind by a crash and is adopted on startup.
	SessionID string `json:"session_id"`

	InitialCount int        `json:"initial_count"`
	StartedAt    time.Time  `json:"started_at"`
	Cutoff       *time.Time `json:"cutoff,omitempty"`
}

// Retry links a failed message to the batch retrying it. It exists only
// while the retry is in flight.
type Retry struct {
	MessageID     string
	BatchID       string
	StageAttempts int
}

// StagedMessage is a fully loaded message ready to forward: the original
// headers and body with the destination overridden to the original
// processing endpoint.
type StagedMessage struct {
	UniqueID    string
	MessageID   string
	Headers     map[string]string
	Body        []byte
	Destination string
}

// SelectionKind classifies how a batch's messages were chosen.
type SelectionKind string

const (
	SelectByIDs   SelectionKind = "ids"
	SelectByGroup SelectionKind = "group"
	SelectByQueue SelectionKind = "queue"
	SelectAll     SelectionKind = "all"
)

// Selection describes which unresolved messages a retry request covers.
type Selection struct {
	Kind    SelectionKind
	IDs     []string
	GroupID string
	Queue   string
	From    *time.Time
	To      *time.Time
}
