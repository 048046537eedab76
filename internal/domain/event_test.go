package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestEventValidate covers the intake invariant: events missing either key
// field never reach the buffer.
func TestEventValidate(t *testing.T) {
	t.Run("accepts event with both keys", func(t *testing.T) {
		ev := Event{EventID: "e-1", SubjectID: "learner-1", EventType: "lesson.completed", OccurredAt: time.Now()}
		assert.NoError(t, ev.Validate())
	})

	t.Run("rejects missing event_id", func(t *testing.T) {
		ev := Event{SubjectID: "learner-1"}
		assert.ErrorIs(t, ev.Validate(), ErrMissingEventID)
	})

	t.Run("rejects whitespace-only subject_id", func(t *testing.T) {
		ev := Event{EventID: "e-1", SubjectID: "   "}
		assert.ErrorIs(t, ev.Validate(), ErrMissingSubjectID)
	})

	t.Run("event_id is checked before subject_id", func(t *testing.T) {
		assert.ErrorIs(t, Event{}.Validate(), ErrMissingEventID)
	})
}

func TestEventPartitionKey(t *testing.T) {
	ev := Event{EventID: "e-1", SubjectID: "learner-42"}
	assert.Equal(t, []byte("learner-42"), ev.PartitionKey())
}
