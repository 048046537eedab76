// Package memory is an in-process broker used for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"eventrelay/internal/publisher/ports"
	"eventrelay/pkg/platform/sentinel"
)

// ErrRejected is returned by a RejectFunc to mark a message as permanently
// undeliverable.
var ErrRejected = errors.New("message rejected")

// RejectFunc decides per message whether the broker refuses it.
type RejectFunc func(ports.Message) error

// Producer stores messages per destination in send order.
type Producer struct {
	mu           sync.RWMutex
	destinations map[string][]ports.Message
	autoCreate   bool
	down         bool
	closed       bool
	reject       RejectFunc
	produceCalls int
}

// Option configures the Producer.
type Option func(*Producer)

// WithAutoCreate creates destinations on first send instead of failing with
// ErrNotFound.
func WithAutoCreate() Option {
	return func(p *Producer) {
		p.autoCreate = true
	}
}

// WithRejectFunc installs a per-message rejection hook.
func WithRejectFunc(fn RejectFunc) Option {
	return func(p *Producer) {
		p.reject = fn
	}
}

// New constructs a producer with the given destinations already present.
func New(destinations []string, opts ...Option) *Producer {
	p := &Producer{destinations: make(map[string][]ports.Message, len(destinations))}
	for _, d := range destinations {
		p.destinations[d] = nil
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetDown simulates losing (true) or regaining (false) the broker connection.
func (p *Producer) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

// SetRejectFunc replaces the rejection hook.
func (p *Producer) SetRejectFunc(fn RejectFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = fn
}

// CreateDestination adds an empty destination if it is missing.
func (p *Producer) CreateDestination(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.destinations[name]; !ok {
		p.destinations[name] = nil
	}
}

func (p *Producer) Produce(_ context.Context, msg ports.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.produceCalls++
	if err := p.availableLocked(); err != nil {
		return err
	}
	if p.reject != nil {
		if err := p.reject(msg); err != nil {
			return err
		}
	}
	if _, ok := p.destinations[msg.Destination]; !ok && !p.autoCreate {
		return fmt.Errorf("destination %s: %w", msg.Destination, sentinel.ErrNotFound)
	}
	stored := msg
	stored.Key = append([]byte(nil), msg.Key...)
	stored.Value = append([]byte(nil), msg.Value...)
	p.destinations[msg.Destination] = append(p.destinations[msg.Destination], stored)
	return nil
}

func (p *Producer) Ping(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.availableLocked()
}

func (p *Producer) DestinationExists(_ context.Context, destination string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.availableLocked(); err != nil {
		return false, err
	}
	_, ok := p.destinations[destination]
	return ok, nil
}

// Classify treats ErrRejected as fatal and everything else as transient.
func (p *Producer) Classify(err error) ports.Classification {
	if errors.Is(err, ErrRejected) {
		return ports.Fatal
	}
	return ports.Retryable
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Producer) availableLocked() error {
	if p.closed {
		return fmt.Errorf("memory broker: %w", sentinel.ErrClosed)
	}
	if p.down {
		return fmt.Errorf("memory broker down: %w", sentinel.ErrUnavailable)
	}
	return nil
}

// Messages returns a copy of everything stored for destination.
func (p *Producer) Messages(destination string) []ports.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ports.Message, len(p.destinations[destination]))
	copy(out, p.destinations[destination])
	return out
}

// ProduceCalls returns how many times Produce was invoked, including failures.
func (p *Producer) ProduceCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.produceCalls
}
