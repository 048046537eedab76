// Package ports defines the boundary between the broker publisher and the
// concrete broker clients (Kafka, Redis Streams, RabbitMQ, Postgres archive).
package ports

//go:generate mockgen -source=ports.go -destination=../mocks/mocks.go -package=mocks

import "context"

// Message is one keyed record addressed to a named destination (topic,
// stream, queue or table).
type Message struct {
	Destination string
	Key         []byte
	Value       []byte
	Headers     map[string]string
}

// Classification says whether a failed send is worth retrying.
type Classification int

const (
	// Retryable covers transport-level trouble: timeouts, leader changes,
	// dropped connections.
	Retryable Classification = iota
	// Fatal covers failures that will repeat on every attempt: oversized or
	// rejected records, authorization, missing destinations.
	Fatal
)

// String returns "retryable" or "fatal".
func (c Classification) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Producer publishes keyed messages. Implementations must be safe for
// concurrent use and must deliver messages with the same key in send order.
type Producer interface {
	// Produce sends msg and blocks until the broker acknowledges it.
	Produce(ctx context.Context, msg Message) error

	// Ping checks that the underlying connection is usable without sending data.
	Ping(ctx context.Context) error

	// DestinationExists reports whether the named destination is present.
	DestinationExists(ctx context.Context, destination string) (bool, error)

	// Classify maps an error returned by Produce to a retry decision.
	Classify(err error) Classification

	// Close releases the connection.
	Close() error
}
