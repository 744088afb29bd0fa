package integrations

import (
	"context"
	"encoding/json"
	"time"
)

// Request is an externally visible integration event awaiting dispatch.
type Request struct {
	ID         string
	EventType  string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// RequestRepository reads and removes queued integration events.
// This interface is owned by the integrations package.
// Infrastructure adapters (e.g., postgres) implement this interface.
type RequestRepository interface {
	// FetchPending returns the oldest pending events, in insertion order.
	// stale reports whether the read may lag recent writes; an empty stale
	// read does not prove the queue is drained.
	FetchPending(ctx context.Context, limit int) (events []Request, stale bool, err error)

	// Delete removes dispatched events. Only called after the publisher
	// accepted them, so delivery is at-least-once.
	Delete(ctx context.Context, ids []string) error
}

// Publisher forwards integration events to the external bus.
type Publisher interface {
	Publish(ctx context.Context, event Request) error
}
