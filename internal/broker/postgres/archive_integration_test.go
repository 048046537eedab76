//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/publisher/ports"
	"eventrelay/pkg/testutil/containers"
)

func TestArchiveAgainstPostgres(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := Open(pg.DSN, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Ping(ctx))
	exists, err := a.DestinationExists(ctx, "dead_letter_events")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, a.Migrate(ctx, "dead_letter_events"))
	exists, err = a.DestinationExists(ctx, "dead_letter_events")
	require.NoError(t, err)
	assert.True(t, exists)

	msg := ports.Message{
		Destination: "dead_letter_events",
		Key:         []byte("u1"),
		Value:       []byte(`{"original_event":{"event_id":"e1","subject_id":"u1"},"failure_reason":"fatal","retry_count":0}`),
		Headers:     map[string]string{"event_id": "e1", "batch_id": "b1", "failure_reason": "fatal"},
	}
	require.NoError(t, a.Produce(ctx, msg))
	require.NoError(t, a.Produce(ctx, msg), "duplicate archive is a no-op")

	var count int64
	require.NoError(t, a.db.WithContext(ctx).Table("dead_letter_events").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var reason string
	require.NoError(t, a.db.WithContext(ctx).Raw(
		"SELECT record->>'failure_reason' FROM dead_letter_events WHERE event_id = ?", "e1",
	).Scan(&reason).Error)
	assert.Equal(t, "fatal", reason)
}
