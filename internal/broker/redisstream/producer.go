// Package redisstream publishes events to Redis Streams. Each destination is a
// stream key; XADD order is delivery order, so per-subject ordering holds.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"eventrelay/internal/platform/redis"
	"eventrelay/internal/publisher/ports"
)

const (
	fieldKey   = "key"
	fieldValue = "value"
	headerPref = "h:"

	initGroup = "eventrelay-init"
)

// Producer appends messages with XADD.
type Producer struct {
	client *redis.Client
	maxLen int64
}

var _ ports.Producer = (*Producer)(nil)

// NewProducer wraps client. maxLen > 0 caps each stream approximately.
func NewProducer(client *redis.Client, maxLen int64) (*Producer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Producer{client: client, maxLen: maxLen}, nil
}

func (p *Producer) Produce(ctx context.Context, msg ports.Message) error {
	args := &goredis.XAddArgs{
		Stream: msg.Destination,
		Values: encodeFields(msg),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", msg.Destination, err)
	}
	return nil
}

func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Health(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// DestinationExists reports whether stream is a stream key. A key of another
// type is an error, since XADD to it would fail on every attempt.
func (p *Producer) DestinationExists(ctx context.Context, stream string) (bool, error) {
	typ, err := p.client.Type(ctx, stream).Result()
	if err != nil {
		return false, fmt.Errorf("type %s: %w", stream, err)
	}
	switch typ {
	case "stream":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("key %s holds a %s, not a stream", stream, typ)
	}
}

// EnsureStreams creates empty streams that do not exist yet.
func (p *Producer) EnsureStreams(ctx context.Context, streams ...string) error {
	for _, s := range streams {
		err := p.client.XGroupCreateMkStream(ctx, s, initGroup, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create stream %s: %w", s, err)
		}
		if err := p.client.XGroupDestroy(ctx, s, initGroup).Err(); err != nil {
			return fmt.Errorf("drop init group on %s: %w", s, err)
		}
	}
	return nil
}

func (p *Producer) Classify(err error) ports.Classification {
	return Classify(err)
}

// Classify treats server replies that reject the command itself as fatal.
// Connection errors and LOADING/BUSY/OOM-style replies are retried.
func Classify(err error) ports.Classification {
	if errors.Is(err, goredis.ErrClosed) {
		return ports.Fatal
	}
	var rerr goredis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		for _, prefix := range []string{"WRONGTYPE", "NOPERM", "NOAUTH", "WRONGPASS", "ERR"} {
			if strings.HasPrefix(msg, prefix) {
				return ports.Fatal
			}
		}
	}
	return ports.Retryable
}

func (p *Producer) Close() error {
	return p.client.Close()
}

func encodeFields(msg ports.Message) map[string]any {
	fields := make(map[string]any, 2+len(msg.Headers))
	fields[fieldKey] = string(msg.Key)
	fields[fieldValue] = string(msg.Value)
	for k, v := range msg.Headers {
		fields[headerPref+k] = v
	}
	return fields
}
