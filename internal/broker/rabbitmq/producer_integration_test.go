//go:build integration

package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/publisher/ports"
	"eventrelay/pkg/testutil/containers"
)

func TestProducerAgainstRabbitMQ(t *testing.T) {
	rmq := containers.NewRabbitMQContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := NewProducer(Config{URL: rmq.URL})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Ping(ctx))

	exists, err := p.DestinationExists(ctx, "learner-events")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.EnsureQueues(ctx, "learner-events", "learner-events-dlq"))
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

	conn, err := amqp091.Dial(rmq.URL)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	var got []string
	for range 3 {
		d, ok, err := ch.Get("learner-events", true)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, string(d.Body))
		assert.Equal(t, "u1", d.Headers["partition_key"])
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestUnroutablePublishIsAnError(t *testing.T) {
	rmq := containers.NewRabbitMQContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := amqp091.Dial(rmq.URL)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.ExchangeDeclare("eventrelay", "topic", true, false, false, false, nil))

	p, err := NewProducer(Config{URL: rmq.URL, Exchange: "eventrelay"})
	require.NoError(t, err)
	defer p.Close()

	exists, err := p.DestinationExists(ctx, "learner-events")
	require.NoError(t, err)
	assert.True(t, exists, "only the exchange is checked")

	err = p.Produce(ctx, ports.Message{
		Destination: "learner-events",
		Key:         []byte("u1"),
		Value:       []byte("1"),
		Headers:     map[string]string{"event_id": "e1"},
	})
	require.ErrorIs(t, err, ErrUnroutable)
	assert.Equal(t, ports.Fatal, p.Classify(err))

	_, err = ch.QueueDeclare("bound", true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("bound", "learner-events", "eventrelay", false, nil))
	require.NoError(t, p.Produce(ctx, ports.Message{
		Destination: "learner-events",
		Key:         []byte("u1"),
		Value:       []byte("2"),
		Headers:     map[string]string{"event_id": "e2"},
	}))
}
