//go:build integration

package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/platform/config"
	"eventrelay/internal/platform/redis"
	"eventrelay/internal/publisher/ports"
	"eventrelay/pkg/testutil/containers"
)

func TestProducerAgainstRedis(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := redis.New(config.RedisConfig{URL: rc.URL})
	require.NoError(t, err)
	p, err := NewProducer(client, 1000)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Ping(ctx))

	exists, err := p.DestinationExists(ctx, "learner-events")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.EnsureStreams(ctx, "learner-events", "learner-events-dlq"))
	exists, err = p.DestinationExists(ctx, "learner-events")
	require.NoError(t, err)
	assert.True(t, exists)

	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, p.Produce(ctx, ports.Message{
			Destination: "learner-events",
			Key:         []byte("u1"),
			Value:       []byte(v),
			Headers:     map[string]string{"event_id": "e" + v},
		}))
	}

	entries, err := rc.Client.XRange(ctx, "learner-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, "u1", e.Values["key"])
		assert.Equal(t, []string{"1", "2", "3"}[i], e.Values["value"])
	}

	require.NoError(t, rc.Client.Set(ctx, "plain", "x", 0).Err())
	_, err = p.DestinationExists(ctx, "plain")
	require.Error(t, err)
	err = p.Produce(ctx, ports.Message{Destination: "plain", Value: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, ports.Fatal, p.Classify(err))
}
