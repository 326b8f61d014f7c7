package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores cached responses in Redis so gateway instances share
// one response cache.
type RedisBackend struct {
	client     redis.UniversalClient
	keyPrefix  string
	defaultTTL time.Duration
}

// NewRedis creates a Redis cache backend.
func NewRedis(client redis.UniversalClient, defaultTTL time.Duration) *RedisBackend {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RedisBackend{
		client:     client,
		keyPrefix:  "lmrelay:cache",
		defaultTTL: defaultTTL,
	}
}

func (r *RedisBackend) key(key string) string {
	return r.keyPrefix + ":" + key
}

// Get retrieves a value; nil, nil on miss.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Delete removes a key.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Flush removes every entry under the cache key prefix, scanning in batches
// so a large cache does not block Redis.
func (r *RedisBackend) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.keyPrefix+":*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
