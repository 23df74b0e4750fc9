package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every Sentinel key in a shared Redis.
const keyPrefix = "sentinel:"

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
}

// SetIfAbsent claims a key with SET NX.
func (c *RedisCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, keyPrefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim key: %w", err)
	}
	return ok, nil
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// GetScoreResult retrieves a cached score result.
func (c *RedisCache) GetScoreResult(ctx context.Context, txID string) (*domain.ScoreResult, error) {
	data, err := c.Get(ctx, scoreKey(txID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeScoreResult(data)
}

// SetScoreResult caches a score result.
func (c *RedisCache) SetScoreResult(ctx context.Context, txID string, result *domain.ScoreResult, ttl time.Duration) error {
	data, err := encodeScoreResult(result)
	if err != nil {
		return err
	}
	return c.Set(ctx, scoreKey(txID), data, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
