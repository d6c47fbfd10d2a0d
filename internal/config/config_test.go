package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SIGNING_KEY", "dev-secret")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "default", c.Queue)
	assert.Equal(t, 5*time.Second, c.DequeueTimeout)
	assert.Equal(t, time.Minute, c.RetryBaseDelay)
	assert.Equal(t, time.Hour, c.RetryMaxDelay)
	assert.Equal(t, 7*24*time.Hour, c.JobRetention)
	assert.Equal(t, 5*time.Minute, c.ConnStaleAfter)
	assert.Equal(t, 1, c.WorkerConcurrency)
	assert.Equal(t, []string{"default"}, c.SchedulerQueues)
	assert.Equal(t, "migrations", c.MigrationsDir)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SIGNING_KEY", "dev-secret")
	t.Setenv("WORKER_QUEUE", "reports")
	t.Setenv("WORKER_CONCURRENCY", "0")
	t.Setenv("RETRY_BASE_DELAY", "2s")
	t.Setenv("SCHEDULER_QUEUES", "default,reports")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "reports", c.Queue)
	assert.Equal(t, 1, c.WorkerConcurrency)
	assert.Equal(t, 2*time.Second, c.RetryBaseDelay)
	assert.Equal(t, []string{"default", "reports"}, c.SchedulerQueues)
	assert.Equal(t, "dev-secret", c.JWTSigningKey)
}

func TestLoadRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("JWT_SIGNING_KEY", "dev-secret")
	_, err := Load()
	assert.ErrorContains(t, err, "REDIS_ADDR")
}

func TestLoadRequiresSigningKey(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SIGNING_KEY", "")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SIGNING_KEY")
}
