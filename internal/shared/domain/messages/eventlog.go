package messages

import "time"

// EventLogItem is an operator-visible log entry describing something that
// happened to a failed message (retry requested, batch forwarded, archived…).
// Entries carry their own retention marker, like failed messages do.
type EventLogItem struct {
	ID          string     `json:"id"`
	Severity    string     `json:"severity"`
	Description string     `json:"description"`
	RelatedIDs  []string   `json:"related_ids,omitempty"`
	RaisedAt    time.Time  `json:"raised_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

const (
	SeverityInfo  = "info"
	SeverityError = "error"
)
