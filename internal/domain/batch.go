package domain

import "time"

// Batch is a set of events staged together by a single accept call.
// Event order is insertion order and is preserved through dispatch.
type Batch struct {
	BatchID  string    `json:"batch_id"`
	StagedAt time.Time `json:"staged_at"`
	Events   []Event   `json:"events"`
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }

// DeadLetterRecord wraps an event that could not be delivered after exhausting
// retries. It is handed to the dead-letter destination and not kept locally.
type DeadLetterRecord struct {
	OriginalEvent Event     `json:"original_event"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
	BatchID       string    `json:"batch_id"`
	RetryCount    int       `json:"retry_count"`
}
