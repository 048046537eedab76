package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventrelay/internal/platform/config"
)

func TestNew(t *testing.T) {
	t.Run("url is required", func(t *testing.T) {
		_, err := New(config.RedisConfig{})
		require.Error(t, err)
	})

	t.Run("invalid url is rejected", func(t *testing.T) {
		_, err := New(config.RedisConfig{URL: "http://not-redis"})
		require.Error(t, err)
	})

	t.Run("overrides apply without connecting", func(t *testing.T) {
		c, err := New(config.RedisConfig{
			URL:         "redis://127.0.0.1:1/2",
			PoolSize:    7,
			DialTimeout: 250 * time.Millisecond,
		})
		require.NoError(t, err)
		defer c.Close()

		opts := c.Options()
		assert.Equal(t, 7, opts.PoolSize)
		assert.Equal(t, 2, opts.DB)
		assert.Equal(t, 250*time.Millisecond, opts.DialTimeout)
	})
}
