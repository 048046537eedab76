package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(10<<20), cfg.Buffer.MaxFileBytes)
	assert.Equal(t, 24*time.Hour, cfg.Buffer.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Buffer.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Buffer.StatsTTL)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 50, cfg.Dispatch.MaxBatches)
	assert.Equal(t, 3, cfg.Publisher.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Publisher.BaseDelay)
	assert.Equal(t, DriverKafka, cfg.Broker.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Kafka.Brokers)
	assert.Equal(t, DeadLetterBroker, cfg.DeadLetter.Driver)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("EVENTRELAY_BROKER_DRIVER", "redis")
	t.Setenv("EVENTRELAY_DISPATCH_INTERVAL", "2s")
	t.Setenv("EVENTRELAY_SERVER_AUTH_SIGNING_KEY", "secret")

	path := filepath.Join(t.TempDir(), "eventrelay.yaml")
	content := []byte(`
buffer:
  dir: /var/lib/eventrelay
  retention: 12h
broker:
  driver: kafka
  topic: events
  dead_letter_topic: events-dlq
  kafka:
    brokers: ["k1:9092", "k2:9092"]
dead_letter:
  driver: postgres
  postgres:
    dsn: postgres://localhost/eventrelay
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/eventrelay", cfg.Buffer.Dir)
	assert.Equal(t, 12*time.Hour, cfg.Buffer.Retention)
	assert.Equal(t, DriverRedis, cfg.Broker.Driver, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, "secret", cfg.Server.AuthSigningKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Kafka.Brokers)
	assert.Equal(t, "dead_letter_events", cfg.DeadLetter.Postgres.Table)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("unknown broker driver", func(t *testing.T) {
		cfg := valid()
		cfg.Broker.Driver = "nats"
		assert.ErrorContains(t, cfg.Validate(), "unsupported broker.driver")
	})

	t.Run("postgres dead letter needs dsn", func(t *testing.T) {
		cfg := valid()
		cfg.DeadLetter.Driver = DeadLetterPostgres
		assert.ErrorContains(t, cfg.Validate(), "dead_letter.postgres.dsn is required")
	})

	t.Run("dead letter topic must differ", func(t *testing.T) {
		cfg := valid()
		cfg.Broker.DeadLetterTopic = cfg.Broker.Topic
		assert.ErrorContains(t, cfg.Validate(), "must differ")
	})

	t.Run("reports every problem", func(t *testing.T) {
		cfg := valid()
		cfg.Buffer.Dir = ""
		cfg.Dispatch.MaxBatches = 0
		err := cfg.Validate()
		assert.ErrorContains(t, err, "buffer.dir is required")
		assert.ErrorContains(t, err, "dispatch.max_batches must be positive")
	})
}
