package main

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/memoflow/internal/config"
	"github.com/kiranshivaraju/memoflow/internal/queue"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("TRANSCRIPTION_PROVIDER", "mock")
	t.Setenv("GENERATION_PROVIDER", "mock")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── wiring helpers ─────────────────────────────────────────────────────────

func TestNewQueue_Memory(t *testing.T) {
	q, err := newQueue(config.QueueConfig{Driver: "memory", MaxAttempts: 3, BackoffBase: time.Second}, nil)
	require.NoError(t, err)
	assert.IsType(t, &queue.MemoryQueue{}, q)
}

func TestNewQueue_UnknownDriver(t *testing.T) {
	_, err := newQueue(config.QueueConfig{Driver: "kafka"}, nil)
	assert.ErrorContains(t, err, `unknown queue driver "kafka"`)
}

func TestRetryPolicy(t *testing.T) {
	p := retryPolicy(config.QueueConfig{MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: 10 * time.Second})

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(8))
}

func TestSupervisorConfig(t *testing.T) {
	cfg := &config.Config{
		Queue: config.QueueConfig{ReapInterval: 30 * time.Second},
		Workers: config.WorkersConfig{
			Transcribe: config.StageConfig{Concurrency: 2, Timeout: 15 * time.Minute, LeaseDuration: 17 * time.Minute},
			Generate:   config.StageConfig{Concurrency: 3, Timeout: 2 * time.Minute, LeaseDuration: 3 * time.Minute},
			IdleMin:    200 * time.Millisecond,
			IdleMax:    5 * time.Second,
		},
	}

	sc := supervisorConfig(cfg)

	assert.Equal(t, 30*time.Second, sc.ReapInterval)
	require.Len(t, sc.Pools, 2)
	tr := sc.Pools[models.StageTranscribe]
	assert.Equal(t, 2, tr.Concurrency)
	assert.Equal(t, 15*time.Minute, tr.Timeout)
	assert.Equal(t, 17*time.Minute, tr.LeaseDuration)
	assert.Equal(t, 200*time.Millisecond, tr.IdleMin)
	assert.Equal(t, 3, sc.Pools[models.StageGenerate].Concurrency)
}

func TestHTTPShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, httpShutdownTimeout)
}
