// Package rabbitmq publishes events to RabbitMQ with publisher confirms. A
// destination is a routing key: a queue name on the default exchange, or a
// key on the configured exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"eventrelay/internal/publisher/ports"
)

var (
	// ErrNacked is returned when the broker negatively confirms a publish.
	ErrNacked = errors.New("rabbitmq nacked publish")
	// ErrUnroutable is returned when a mandatory publish matched no queue. The
	// broker still acks such a message, so without this it would be dropped.
	ErrUnroutable = errors.New("rabbitmq returned unroutable message")
)

// returnBuffer bounds unread basic.return frames. Publishes are serialized and
// drain it after every confirm, so it rarely holds more than one.
const returnBuffer = 16

type Config struct {
	URL      string
	Exchange string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq url is required")
	}
	return nil
}

type dialFunc func(url string) (*amqp091.Connection, error)

// Producer holds one connection and one confirm-mode channel. Publishes are
// serialized on the channel, which keeps per-key order. A closed connection
// is redialled on the next call.
type Producer struct {
	cfg  Config
	dial dialFunc

	mu      sync.Mutex
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	returns chan amqp091.Return
}

var _ ports.Producer = (*Producer)(nil)

// NewProducer validates cfg. The connection is opened lazily so the process
// can start while RabbitMQ is down.
func NewProducer(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer{
		cfg: cfg,
		dial: func(url string) (*amqp091.Connection, error) {
			return amqp091.DialConfig(url, amqp091.Config{Properties: amqp091.Table{"connection_name": "eventrelay"}})
		},
	}, nil
}

func (p *Producer) connectLocked() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()
	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.returns = ch.NotifyReturn(make(chan amqp091.Return, returnBuffer))
	return nil
}

func (p *Producer) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch, p.returns = nil, nil, nil
}

// Produce publishes with the mandatory flag and waits for the confirm. The
// broker sends basic.return before the ack of the same message, so a return
// for messageID is already queued when the ack arrives.
func (p *Producer) Produce(ctx context.Context, msg ports.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return err
	}
	messageID := msg.Headers["event_id"]
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, msg.Destination, true, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Headers:      toTable(msg),
		Body:         msg.Value,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish to %s: %w", msg.Destination, err)
	}
	ack, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", msg.Destination, err)
	}
	if !ack {
		return fmt.Errorf("publish to %s: %w", msg.Destination, ErrNacked)
	}
	if ret, ok := p.takeReturnLocked(messageID); ok {
		return fmt.Errorf("publish to %s: %w: %d %s", msg.Destination, ErrUnroutable, ret.ReplyCode, ret.ReplyText)
	}
	return nil
}

// takeReturnLocked drains queued returns and reports the one for messageID.
func (p *Producer) takeReturnLocked(messageID string) (amqp091.Return, bool) {
	var (
		match amqp091.Return
		found bool
	)
	for {
		select {
		case ret, ok := <-p.returns:
			if !ok {
				p.returns = nil
				return match, found
			}
			if ret.MessageId == messageID {
				match, found = ret, true
			}
		default:
			return match, found
		}
	}
}

func (p *Producer) Ping(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

// DestinationExists passively declares the target on a throwaway channel,
// because a failed passive declare closes the channel it ran on. With an
// exchange configured only the exchange is checked: AMQP cannot list bindings,
// so a key with no bound queue surfaces as ErrUnroutable on publish instead.
func (p *Producer) DestinationExists(_ context.Context, destination string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return false, err
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open probe channel: %w", err)
	}
	defer ch.Close()

	if p.cfg.Exchange != "" {
		err = ch.ExchangeDeclarePassive(p.cfg.Exchange, "topic", true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclarePassive(destination, true, false, false, false, nil)
	}
	var aerr *amqp091.Error
	if errors.As(err, &aerr) && aerr.Code == amqp091.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("declare passive %s: %w", destination, err)
	}
	return true, nil
}

// EnsureQueues declares durable queues for each destination on the default
// exchange. It is a no-op when an exchange is configured.
func (p *Producer) EnsureQueues(_ context.Context, queues ...string) error {
	if p.cfg.Exchange != "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return err
	}
	for _, q := range queues {
		if _, err := p.ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			p.resetLocked()
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return nil
}

func (p *Producer) Classify(err error) ports.Classification {
	return Classify(err)
}

// Classify treats channel exceptions that repeat on every attempt (missing
// exchange, refused access, precondition failures) and unroutable returns as
// fatal.
func Classify(err error) ports.Classification {
	if errors.Is(err, ErrUnroutable) {
		return ports.Fatal
	}
	var aerr *amqp091.Error
	if errors.As(err, &aerr) {
		switch aerr.Code {
		case amqp091.NotFound, amqp091.AccessRefused, amqp091.PreconditionFailed,
			amqp091.NotAllowed, amqp091.NotImplemented, amqp091.FrameError, amqp091.SyntaxError:
			return ports.Fatal
		}
	}
	return ports.Retryable
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.conn, p.ch = nil, nil
	return errors.Join(errs...)
}

func toTable(msg ports.Message) amqp091.Table {
	t := amqp091.Table{"partition_key": string(msg.Key)}
	for k, v := range msg.Headers {
		t[k] = v
	}
	return t
}
