package publisher

import (
	"context"
	"errors"

	"eventrelay/internal/publisher/ports"
	"eventrelay/pkg/platform/sentinel"
)

// Classify maps a send error to a retry decision using the main producer's
// knowledge of its own error values.
func (p *Publisher) Classify(err error) ports.Classification {
	return p.classifyWith(p.producer, err)
}

func (p *Publisher) classifyWith(producer ports.Producer, err error) ports.Classification {
	switch {
	case err == nil:
		return ports.Retryable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, sentinel.ErrUnavailable):
		return ports.Retryable
	case errors.Is(err, sentinel.ErrNotFound),
		errors.Is(err, sentinel.ErrClosed):
		return ports.Fatal
	}
	return producer.Classify(err)
}
