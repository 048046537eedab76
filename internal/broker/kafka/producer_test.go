package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"eventrelay/internal/publisher/ports"
)

func TestConfigValidate(t *testing.T) {
	_, err := NewProducer(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers is required")

	cfg := Config{Brokers: []string{"localhost:9092"}}
	cfg.withDefaults()
	assert.Equal(t, "eventrelay", cfg.ClientID)
	assert.Positive(t, cfg.DeliveryTimeout)
}

func TestNewProducerIsLazy(t *testing.T) {
	p, err := NewProducer(Config{Brokers: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ports.Classification
	}{
		{"record too large", fmt.Errorf("produce: %w", kerr.MessageTooLarge), ports.Fatal},
		{"not authorized", kerr.TopicAuthorizationFailed, ports.Fatal},
		{"client closed", kgo.ErrClientClosed, ports.Fatal},
		{"leader moved", kerr.NotLeaderForPartition, ports.Retryable},
		{"request timed out", kerr.RequestTimedOut, ports.Retryable},
		{"record timeout", kgo.ErrRecordTimeout, ports.Retryable},
		{"unknown non-kafka error", errors.New("connection reset"), ports.Retryable},
		{"deadline", context.DeadlineExceeded, ports.Retryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestToHeaders(t *testing.T) {
	assert.Nil(t, toHeaders(nil))
	hs := toHeaders(map[string]string{"event_id": "e1"})
	require.Len(t, hs, 1)
	assert.Equal(t, "event_id", hs[0].Key)
	assert.Equal(t, []byte("e1"), hs[0].Value)
}
