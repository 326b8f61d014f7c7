package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCASRetries = 3

// Redis is the distributed Store backend. Update uses optimistic WATCH/MULTI
// compare-and-set, retried a bounded number of times on conflict, so multiple
// gateway instances can share per-group metrics without losing increments.
type Redis struct {
	client     redis.UniversalClient
	keyPrefix  string
	casRetries int
}

// RedisOption configures the Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every key (default "lmrelay:state").
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.keyPrefix = prefix }
}

// WithCASRetries bounds optimistic update retries (default 3).
func WithCASRetries(n int) RedisOption {
	return func(r *Redis) {
		if n > 0 {
			r.casRetries = n
		}
	}
}

// NewRedis creates a Redis-backed store.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:     client,
		keyPrefix:  "lmrelay:state",
		casRetries: defaultCASRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + ":" + key
}

// Get returns the value and whether the key exists.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set overwrites the value with a TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Update runs fn inside a WATCH transaction. Another writer committing between
// the read and the MULTI aborts the transaction; the update is retried up to
// the configured bound, then ErrUpdateConflict is returned.
func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	fullKey := r.key(key)

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(err, redis.Nil) {
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, fullKey)
				return nil
			}
			pipe.Set(ctx, fullKey, next, ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < r.casRetries; attempt++ {
		err = r.client.Watch(ctx, txn, fullKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrUpdateConflict
}

// Delete removes the key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
