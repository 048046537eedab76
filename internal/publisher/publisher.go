// Package publisher delivers buffered events to the downstream broker.
//
// Each event is sent on its own with subject_id as the partition key and its
// own retry loop, so one poison event cannot stall the rest of its batch.
// Events that exhaust their retries are wrapped in a dead-letter record and
// sent to a separate destination. Every event therefore ends up delivered,
// dead-lettered, or still in the durable buffer for a later cycle.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventrelay/internal/domain"
	"eventrelay/internal/publisher/ports"
	"eventrelay/pkg/platform/circuit"
)

var tracer = otel.Tracer("eventrelay/publisher")

// Config controls destinations and the retry policy.
type Config struct {
	Topic            string
	DeadLetterTopic  string
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	SendTimeout      time.Duration
	HealthInterval   time.Duration
	BreakerFailures  int
	BreakerSuccesses int
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		Topic:            "learner-events",
		DeadLetterTopic:  "learner-events-dlq",
		MaxRetries:       3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		SendTimeout:      10 * time.Second,
		HealthInterval:   15 * time.Second,
		BreakerFailures:  5,
		BreakerSuccesses: 2,
	}
}

// Result is the per-batch outcome of Publish.
type Result struct {
	// Succeeded counts events acknowledged by the main destination.
	Succeeded int
	// Failed counts events not delivered to the main destination.
	Failed int
	// DeadLettered counts failed events accepted by the dead-letter destination.
	DeadLettered int
}

// Unaccounted returns how many events were neither delivered nor
// dead-lettered. Those events exist only in the durable buffer.
func (r Result) Unaccounted() int {
	return r.Failed - r.DeadLettered
}

// Publisher sends events through a main producer and a dead-letter producer.
// The two may be the same client.
type Publisher struct {
	cfg        Config
	producer   ports.Producer
	deadLetter ports.Producer
	breaker    *circuit.Breaker
	connected  atomic.Bool
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithDeadLetterProducer routes dead-letter records through a different
// producer than the main one.
func WithDeadLetterProducer(producer ports.Producer) Option {
	return func(p *Publisher) {
		p.deadLetter = producer
	}
}

// New creates a publisher. The connection is reported as down until the
// first successful Refresh.
func New(cfg Config, producer ports.Producer, opts ...Option) (*Publisher, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.DeadLetterTopic == "" {
		return nil, errors.New("dead-letter topic is required")
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}

	p := &Publisher{
		cfg:      cfg,
		producer: producer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.deadLetter == nil {
		p.deadLetter = producer
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.breaker = circuit.New(cfg.Topic,
		circuit.WithFailureThreshold(cfg.BreakerFailures),
		circuit.WithSuccessThreshold(cfg.BreakerSuccesses),
	)
	return p, nil
}

// Publish sends events in order and reports how each one ended up. ctx
// cancellation interrupts retry backoff; a send already on the wire is allowed
// to finish. Once cancellation interrupts an event, the remaining events are
// left unaccounted so the caller keeps the batch.
func (p *Publisher) Publish(ctx context.Context, batchID string, events []domain.Event) Result {
	ctx, span := tracer.Start(ctx, "publisher.publish",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.Int("batch.events", len(events)),
		),
	)
	defer span.End()

	var res Result
	interrupted := false
	for _, ev := range events {
		if interrupted {
			res.Failed++
			continue
		}
		switch p.deliver(ctx, batchID, ev) {
		case outcomeDelivered:
			res.Succeeded++
		case outcomeDeadLettered:
			res.Failed++
			res.DeadLettered++
		case outcomeLost:
			res.Failed++
		case outcomeInterrupted:
			res.Failed++
			interrupted = true
		}
	}

	span.SetAttributes(
		attribute.Int("publish.succeeded", res.Succeeded),
		attribute.Int("publish.failed", res.Failed),
		attribute.Int("publish.dead_lettered", res.DeadLettered),
	)
	if res.Unaccounted() > 0 {
		span.SetStatus(codes.Error, "events left unaccounted")
	}
	return res
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeDeadLettered
	outcomeLost
	outcomeInterrupted
)

func (p *Publisher) deliver(ctx context.Context, batchID string, ev domain.Event) outcome {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "event could not be encoded for publish",
			"batch_id", batchID,
			"event_id", ev.EventID,
			"error", err,
		)
		return p.deadLetterOutcome(ctx, ev, "encode: "+err.Error(), batchID, 0)
	}

	msg := ports.Message{
		Destination: p.cfg.Topic,
		Key:         ev.PartitionKey(),
		Value:       value,
		Headers: map[string]string{
			"event_id":   ev.EventID,
			"event_type": ev.EventType,
			"batch_id":   batchID,
		},
	}
	attempts, interrupted, sendErr := p.sendWithRetry(ctx, p.producer, msg)
	if sendErr == nil {
		if p.metrics != nil {
			p.metrics.IncPublished()
		}
		return outcomeDelivered
	}
	if interrupted {
		p.logger.WarnContext(ctx, "publish interrupted by cancellation",
			"batch_id", batchID,
			"event_id", ev.EventID,
			"attempts", attempts,
			"error", sendErr,
		)
		return outcomeInterrupted
	}

	reason := fmt.Sprintf("%s after %d attempt(s): %v", p.Classify(sendErr), attempts, sendErr)
	p.logger.WarnContext(ctx, "event delivery failed, routing to dead letter",
		"batch_id", batchID,
		"event_id", ev.EventID,
		"subject_id", ev.SubjectID,
		"attempts", attempts,
		"error", sendErr,
	)
	return p.deadLetterOutcome(ctx, ev, reason, batchID, attempts-1)
}

func (p *Publisher) deadLetterOutcome(ctx context.Context, ev domain.Event, reason, batchID string, retryCount int) outcome {
	interrupted, err := p.sendDeadLetter(ctx, ev, reason, batchID, retryCount)
	switch {
	case err == nil:
		return outcomeDeadLettered
	case interrupted:
		return outcomeInterrupted
	default:
		return outcomeLost
	}
}

// SendToDeadLetter wraps ev in a dead-letter record and publishes it to the
// dead-letter destination with the same partition key. If that fails too the
// full event is logged at error level; the log line is the last copy outside
// the buffer.
func (p *Publisher) SendToDeadLetter(ctx context.Context, ev domain.Event, reason, batchID string, retryCount int) error {
	_, err := p.sendDeadLetter(ctx, ev, reason, batchID, retryCount)
	return err
}

// sendDeadLetter reports interrupted when ctx ended the attempt before the
// record reached the sink. The event is still in the buffer then, so that is
// logged as a warning rather than as a loss.
func (p *Publisher) sendDeadLetter(ctx context.Context, ev domain.Event, reason, batchID string, retryCount int) (interrupted bool, err error) {
	rec := domain.DeadLetterRecord{
		OriginalEvent: ev,
		FailureReason: reason,
		FailedAt:      p.now().UTC(),
		BatchID:       batchID,
		RetryCount:    retryCount,
	}
	value, err := json.Marshal(rec)
	if err == nil {
		msg := ports.Message{
			Destination: p.cfg.DeadLetterTopic,
			Key:         ev.PartitionKey(),
			Value:       value,
			Headers: map[string]string{
				"event_id":       ev.EventID,
				"batch_id":       batchID,
				"failure_reason": reason,
			},
		}
		_, interrupted, err = p.sendWithRetry(ctx, p.deadLetter, msg)
	}
	if err != nil && interrupted {
		p.logger.WarnContext(ctx, "dead-letter publish interrupted, event stays buffered",
			"batch_id", batchID,
			"event_id", ev.EventID,
			"error", err,
		)
		return true, fmt.Errorf("dead-letter publish for event %s interrupted: %w", ev.EventID, err)
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncDeadLetterFailures()
		}
		full, _ := json.Marshal(ev)
		p.logger.ErrorContext(ctx, "CRITICAL: dead-letter publish failed",
			"batch_id", batchID,
			"event_id", ev.EventID,
			"subject_id", ev.SubjectID,
			"failure_reason", reason,
			"retry_count", retryCount,
			"event", string(full),
			"error", err,
		)
		return false, fmt.Errorf("dead-letter publish for event %s: %w", ev.EventID, err)
	}
	if p.metrics != nil {
		p.metrics.IncDeadLettered()
	}
	return false, nil
}

// sendWithRetry makes up to 1+MaxRetries attempts with exponential backoff.
// Fatal errors stop immediately. interrupted is true when ctx was already done
// before the first attempt or ended a backoff. Only the main producer feeds the
// circuit breaker.
func (p *Publisher) sendWithRetry(ctx context.Context, producer ports.Producer, msg ports.Message) (attempts int, interrupted bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, true, err
	}
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		err = p.send(ctx, producer, msg)
		main := producer == p.producer
		if err == nil {
			if main {
				p.recordSuccess()
			}
			return attempts, false, nil
		}
		class := p.classifyWith(producer, err)
		if class == ports.Fatal {
			return attempts, false, err
		}
		if main {
			p.recordFailure()
		}
		if attempt >= p.cfg.MaxRetries {
			return attempts, false, err
		}
		if p.metrics != nil {
			p.metrics.IncRetries()
		}
		if !sleepCtx(ctx, p.backoff(attempt)) {
			return attempts, true, err
		}
	}
}

// send runs one attempt. The attempt is detached from ctx cancellation and
// bounded by SendTimeout so shutdown never tears a send in half.
func (p *Publisher) send(ctx context.Context, producer ports.Producer, msg ports.Message) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SendTimeout)
	defer cancel()
	return producer.Produce(sendCtx, msg)
}

// backoff returns BaseDelay * 2^attempt capped at MaxDelay.
func (p *Publisher) backoff(attempt int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Publisher) recordSuccess() {
	p.connected.Store(true)
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.Info("broker circuit closed", "destination", p.cfg.Topic)
		if p.metrics != nil {
			p.metrics.SetBreakerOpen(false)
		}
	}
}

func (p *Publisher) recordFailure() {
	if _, change := p.breaker.RecordFailure(); change.Opened {
		p.logger.Warn("broker circuit opened after consecutive failures", "destination", p.cfg.Topic)
		if p.metrics != nil {
			p.metrics.SetBreakerOpen(true)
		}
	}
}

// IsConnected is the cheap liveness flag: the last probe or send reached the
// broker and the circuit is closed.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load() && !p.breaker.IsOpen()
}

// Close closes both producers.
func (p *Publisher) Close() error {
	err := p.producer.Close()
	if p.deadLetter != p.producer {
		err = errors.Join(err, p.deadLetter.Close())
	}
	return err
}
