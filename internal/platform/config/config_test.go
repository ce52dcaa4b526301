package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := FromEnv()
		assert.Equal(t, ":8080", cfg.Addr)
		assert.False(t, cfg.RateLimitDisabled)
		assert.Equal(t, 20, cfg.Redis.PoolSize)
		assert.Empty(t, cfg.Kafka.Brokers)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("AEGIS_ADDR", ":9090")
		t.Setenv("RATE_LIMIT_DISABLED", "true")
		t.Setenv("REDIS_READ_TIMEOUT", "1s")
		t.Setenv("REDIS_POOL_SIZE", "not-a-number")
		t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

		cfg := FromEnv()
		assert.Equal(t, ":9090", cfg.Addr)
		assert.True(t, cfg.RateLimitDisabled)
		assert.Equal(t, time.Second, cfg.Redis.ReadTimeout)
		assert.Equal(t, 20, cfg.Redis.PoolSize)
		assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	})
}
