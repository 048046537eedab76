package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Validation failures for events arriving at the ingestion boundary.
var (
	ErrMissingEventID   = errors.New("event_id is required")
	ErrMissingSubjectID = errors.New("subject_id is required")
)

// Event is one learner/user action. It is immutable once accepted into the
// buffer; every stage downstream of intake treats it as read-only. Payload and
// Metadata are kept as the raw JSON the producer sent and are never decoded.
type Event struct {
	EventID    string          `json:"event_id"`
	SubjectID  string          `json:"subject_id"` // partition/ordering key
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	SessionID  string          `json:"session_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Validate enforces the intake invariant: event_id and subject_id must both be
// present. Payload content is not inspected.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrMissingEventID
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		return ErrMissingSubjectID
	}
	return nil
}

// PartitionKey returns the broker partition key for the event.
func (e Event) PartitionKey() []byte {
	return []byte(e.SubjectID)
}
