package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetMemoStatus(ctx context.Context, view models.StatusView, ttl time.Duration) error
	GetMemoStatus(ctx context.Context, memoID uuid.UUID) (*models.StatusView, bool, error)
	DeleteMemoStatus(ctx context.Context, memoID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// setMemoStatusScript writes the status hash unless the cached entry already
// describes a later round, or a later change within the same round.
var setMemoStatusScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'round', 'ts')
if cur[1] then
  local round, ts = tonumber(cur[1]), tonumber(cur[2])
  local nround, nts = tonumber(ARGV[2]), tonumber(ARGV[3])
  if round > nround or (round == nround and ts > nts) then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'round', ARGV[2], 'ts', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// SetMemoStatus stores the status read model of a memo. A write for an older
// round, or an older change in the same round, never replaces a newer one.
func (c *RedisCache) SetMemoStatus(ctx context.Context, view models.StatusView, ttl time.Duration) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode memo status: %w", err)
	}
	return setMemoStatusScript.Run(ctx, c.client,
		[]string{MemoStatusKey(view.MemoID)},
		data, view.Round, view.UpdatedAt.UnixMicro(), ttl.Milliseconds(),
	).Err()
}

func (c *RedisCache) GetMemoStatus(ctx context.Context, memoID uuid.UUID) (*models.StatusView, bool, error) {
	val, err := c.client.HGet(ctx, MemoStatusKey(memoID), "data").Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var view models.StatusView
	if err := json.Unmarshal(val, &view); err != nil {
		// Undecodable entries are misses; the ledger is authoritative.
		return nil, false, nil
	}
	return &view, true, nil
}

func (c *RedisCache) DeleteMemoStatus(ctx context.Context, memoID uuid.UUID) error {
	return c.client.Del(ctx, MemoStatusKey(memoID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
