package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, textHash string, vector []float32, ttl time.Duration) error
	SetRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus, ttl time.Duration) error
	GetRunStatus(ctx context.Context, runID uuid.UUID) (models.RunStatus, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

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
	if errors.Is(err, redis.Nil) {
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

// GetEmbedding returns a cached vector. A corrupt entry is deleted and
// reported as a miss.
func (c *RedisCache) GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error) {
	key := EmbeddingKey(model, textHash)
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	vec, err := DecodeVector(raw)
	if err != nil {
		_ = c.Delete(ctx, key)
		return nil, false, nil
	}
	return vec, true, nil
}

func (c *RedisCache) SetEmbedding(ctx context.Context, model, textHash string, vector []float32, ttl time.Duration) error {
	return c.Set(ctx, EmbeddingKey(model, textHash), EncodeVector(vector), ttl)
}

func (c *RedisCache) SetRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus, ttl time.Duration) error {
	return c.client.Set(ctx, RunStatusKey(runID), string(status), ttl).Err()
}

func (c *RedisCache) GetRunStatus(ctx context.Context, runID uuid.UUID) (models.RunStatus, bool, error) {
	val, err := c.client.Get(ctx, RunStatusKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.RunStatus(val), true, nil
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

var _ Cache = (*RedisCache)(nil)
