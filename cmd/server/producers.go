package main

import (
	"context"
	"fmt"
	"log/slog"

	"eventrelay/internal/broker/kafka"
	"eventrelay/internal/broker/memory"
	"eventrelay/internal/broker/postgres"
	"eventrelay/internal/broker/rabbitmq"
	"eventrelay/internal/broker/redisstream"
	"eventrelay/internal/platform/config"
	"eventrelay/internal/platform/redis"
	"eventrelay/internal/publisher/ports"
)

// producerSet is what the publisher needs from configuration. deadLetter is
// nil when dead letters go through the main broker.
type producerSet struct {
	main            ports.Producer
	deadLetter      ports.Producer
	deadLetterTopic string
}

func (p producerSet) close() {
	if p.main != nil {
		_ = p.main.Close()
	}
	if p.deadLetter != nil {
		_ = p.deadLetter.Close()
	}
}

// buildProducers creates the configured clients and provisions destinations
// on a best-effort basis. Provisioning failures are logged, not returned: the
// broker may simply be down, and the buffer exists for exactly that case.
func buildProducers(ctx context.Context, cfg config.Config, log *slog.Logger) (producerSet, error) {
	set := producerSet{deadLetterTopic: cfg.Broker.DeadLetterTopic}
	topics := []string{cfg.Broker.Topic}
	if cfg.DeadLetter.Driver == config.DeadLetterBroker {
		topics = append(topics, cfg.Broker.DeadLetterTopic)
	}

	switch cfg.Broker.Driver {
	case config.DriverKafka:
		p, err := kafka.NewProducer(kafka.Config{
			Brokers:         cfg.Broker.Kafka.Brokers,
			ClientID:        cfg.Broker.Kafka.ClientID,
			DeliveryTimeout: cfg.Publisher.SendTimeout,
			TLS:             kafka.TLSConfig{Enabled: cfg.Broker.Kafka.TLS},
		})
		if err != nil {
			return set, fmt.Errorf("kafka producer: %w", err)
		}
		set.main = p
		if cfg.Broker.Kafka.CreateTopics {
			if err := p.EnsureTopics(ctx, cfg.Broker.Kafka.Partitions, cfg.Broker.Kafka.Replication, topics...); err != nil {
				log.WarnContext(ctx, "could not create kafka topics", "topics", topics, "error", err)
			}
		}
	case config.DriverRedis:
		client, err := redis.New(cfg.Broker.Redis)
		if err != nil {
			return set, fmt.Errorf("redis client: %w", err)
		}
		p, err := redisstream.NewProducer(client, cfg.Broker.Redis.MaxLen)
		if err != nil {
			_ = client.Close()
			return set, fmt.Errorf("redis producer: %w", err)
		}
		set.main = p
		if err := p.EnsureStreams(ctx, topics...); err != nil {
			log.WarnContext(ctx, "could not create redis streams", "streams", topics, "error", err)
		}
	case config.DriverRabbitMQ:
		p, err := rabbitmq.NewProducer(rabbitmq.Config{
			URL:      cfg.Broker.RabbitMQ.URL,
			Exchange: cfg.Broker.RabbitMQ.Exchange,
		})
		if err != nil {
			return set, fmt.Errorf("rabbitmq producer: %w", err)
		}
		set.main = p
		if cfg.Broker.RabbitMQ.Exchange == "" {
			if err := p.EnsureQueues(ctx, topics...); err != nil {
				log.WarnContext(ctx, "could not declare rabbitmq queues", "queues", topics, "error", err)
			}
		}
	case config.DriverMemory:
		log.WarnContext(ctx, "memory broker in use, dispatched events are not persisted downstream")
		set.main = memory.New(topics)
	default:
		return set, fmt.Errorf("unsupported broker driver %q", cfg.Broker.Driver)
	}

	if cfg.DeadLetter.Driver == config.DeadLetterPostgres {
		archive, err := postgres.Open(cfg.DeadLetter.Postgres.DSN, log)
		if err != nil {
			set.close()
			return producerSet{}, fmt.Errorf("dead-letter archive: %w", err)
		}
		table := cfg.DeadLetter.Postgres.Table
		if err := archive.Migrate(ctx, table); err != nil {
			log.WarnContext(ctx, "could not migrate dead-letter table", "table", table, "error", err)
		}
		set.deadLetter = archive
		set.deadLetterTopic = table
	}
	return set, nil
}
