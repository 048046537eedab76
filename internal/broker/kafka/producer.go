// Package kafka publishes events to Kafka (or any Kafka-compatible broker)
// with franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"eventrelay/internal/publisher/ports"
)

type Config struct {
	Brokers         []string
	ClientID        string
	DeliveryTimeout time.Duration
	TLS             TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "eventrelay"
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	return nil
}

// Producer sends each message synchronously so a nil return means the
// partition leader and its in-sync replicas have the record.
type Producer struct {
	client *kgo.Client
	admin  *kadm.Client
}

var _ ports.Producer = (*Producer)(nil)

// NewProducer builds the client. No connection is made until the first
// request.
func NewProducer(cfg Config, opts ...kgo.Opt) (*Producer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
		kgo.ProducerLinger(0),
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Producer{client: cl, admin: kadm.NewClient(cl)}, nil
}

func (p *Producer) Produce(ctx context.Context, msg ports.Message) error {
	rec := &kgo.Record{
		Topic:   msg.Destination,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: toHeaders(msg.Headers),
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Destination, err)
	}
	return nil
}

func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

func (p *Producer) DestinationExists(ctx context.Context, topic string) (bool, error) {
	details, err := p.admin.ListTopics(ctx, topic)
	if err != nil {
		return false, fmt.Errorf("list topics: %w", err)
	}
	d, ok := details[topic]
	if !ok || errors.Is(d.Err, kerr.UnknownTopicOrPartition) {
		return false, nil
	}
	if d.Err != nil {
		return false, fmt.Errorf("describe topic %s: %w", topic, d.Err)
	}
	return true, nil
}

// EnsureTopics creates any missing topics. Existing topics are left alone.
func (p *Producer) EnsureTopics(ctx context.Context, partitions int32, replication int16, topics ...string) error {
	resp, err := p.admin.CreateTopics(ctx, partitions, replication, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (p *Producer) Classify(err error) ports.Classification {
	return Classify(err)
}

// Classify separates broker errors that repeat on every attempt from
// transport trouble a retry can fix.
func Classify(err error) ports.Classification {
	switch {
	case errors.Is(err, kgo.ErrClientClosed),
		errors.Is(err, kerr.MessageTooLarge),
		errors.Is(err, kerr.RecordListTooLarge),
		errors.Is(err, kerr.InvalidRecord),
		errors.Is(err, kerr.CorruptMessage),
		errors.Is(err, kerr.TopicAuthorizationFailed),
		errors.Is(err, kerr.ClusterAuthorizationFailed),
		errors.Is(err, kerr.InvalidTopicException):
		return ports.Fatal
	}
	var ke *kerr.Error
	if errors.As(err, &ke) && !ke.Retriable {
		return ports.Fatal
	}
	return ports.Retryable
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

func toHeaders(h map[string]string) []kgo.RecordHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]kgo.RecordHeader, 0, len(h))
	for k, v := range h {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return out
}
