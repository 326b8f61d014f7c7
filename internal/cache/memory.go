package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process cache backend.
type Memory struct {
	cache      *gocache.Cache
	defaultTTL time.Duration
}

// NewMemory creates an in-memory backend. A zero defaultTTL means entries
// without an explicit TTL never expire.
func NewMemory(defaultTTL time.Duration) *Memory {
	expiry := defaultTTL
	if expiry <= 0 {
		expiry = gocache.NoExpiration
	}
	return &Memory{
		cache:      gocache.New(expiry, 10*time.Minute),
		defaultTTL: defaultTTL,
	}
}

// Get retrieves a value; nil, nil on miss.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, nil
	}
	return data, nil
}

// Set stores a value.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.cache.Set(key, value, ttl)
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// Flush removes every entry.
func (m *Memory) Flush(ctx context.Context) error {
	m.cache.Flush()
	return nil
}

// Ping always succeeds for the in-memory backend.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
