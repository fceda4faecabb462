package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- Memo Status ---

func TestSetGetMemoStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	memoID := uuid.New()
	changed := time.Now().UTC().Truncate(time.Microsecond)

	view := models.StatusView{MemoID: memoID, Status: models.MemoStatusTranscribing, Round: 1, UpdatedAt: changed}
	require.NoError(t, rc.SetMemoStatus(ctx, view, 10*time.Second))

	got, found, err := rc.GetMemoStatus(ctx, memoID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, models.MemoStatusTranscribing, got.Status)
	assert.Equal(t, 1, got.Round)
	assert.True(t, changed.Equal(got.UpdatedAt))
}

func TestGetMemoStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	got, found, err := rc.GetMemoStatus(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestSetMemoStatus_OlderWriteIgnored(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	memoID := uuid.New()
	t0 := time.Now().UTC()

	newer := models.StatusView{MemoID: memoID, Status: models.MemoStatusGenerating, Round: 1, UpdatedAt: t0.Add(time.Second)}
	older := models.StatusView{MemoID: memoID, Status: models.MemoStatusTranscribing, Round: 1, UpdatedAt: t0}
	require.NoError(t, rc.SetMemoStatus(ctx, newer, 10*time.Second))
	require.NoError(t, rc.SetMemoStatus(ctx, older, 10*time.Second))

	got, _, err := rc.GetMemoStatus(ctx, memoID)
	require.NoError(t, err)
	assert.Equal(t, models.MemoStatusGenerating, got.Status)

	// A new round wins even with an earlier timestamp.
	restarted := models.StatusView{MemoID: memoID, Status: models.MemoStatusUploading, Round: 2, UpdatedAt: t0}
	require.NoError(t, rc.SetMemoStatus(ctx, restarted, 10*time.Second))
	got, _, err = rc.GetMemoStatus(ctx, memoID)
	require.NoError(t, err)
	assert.Equal(t, models.MemoStatusUploading, got.Status)
	assert.Equal(t, 2, got.Round)
}

func TestDeleteMemoStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	memoID := uuid.New()

	view := models.StatusView{MemoID: memoID, Status: models.MemoStatusFailed, Round: 1, UpdatedAt: time.Now()}
	require.NoError(t, rc.SetMemoStatus(ctx, view, 10*time.Second))
	require.NoError(t, rc.DeleteMemoStatus(ctx, memoID))

	_, found, err := rc.GetMemoStatus(ctx, memoID)
	require.NoError(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestMemoStatusKey(t *testing.T) {
	memoID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	key := cache.MemoStatusKey(memoID)
	assert.Equal(t, "memo:status:22222222-2222-2222-2222-222222222222", key)
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("mf_abcd1234")
	assert.Equal(t, "ratelimit:mf_abcd1234", key)
}

func TestUsageKey(t *testing.T) {
	accountID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	key := cache.UsageKey(accountID, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "usage:33333333-3333-3333-3333-333333333333:2026-03", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	id := uuid.New()

	keys := map[string]bool{
		cache.MemoStatusKey(id):         true,
		cache.RateLimitKey(id.String()): true,
		cache.UsageKey(id, time.Now()):  true,
	}
	assert.Len(t, keys, 3, "all keys should be unique")
}
