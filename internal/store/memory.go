package store

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is the in-process Store backend. Values live in a TTL map; a single
// mutex serializes Update calls so read-modify-write sequences are atomic.
//
// Use cases: single-instance deployments, development, and as a fallback when
// Redis is unavailable.
type Memory struct {
	mu    sync.Mutex
	items *gocache.Cache
}

const defaultCleanupInterval = time.Minute

// NewMemory creates an in-process store. defaultTTL applies when Set/Update
// are called with zero TTL; pass zero for no default expiry.
func NewMemory(defaultTTL time.Duration) *Memory {
	ttl := defaultTTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Memory{
		items: gocache.New(ttl, defaultCleanupInterval),
	}
}

// Get returns the value and whether the key exists.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Set overwrites the value with a TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	m.items.Set(key, stored, expiration(ttl))
	return nil
}

// Update applies fn under the store mutex. Memory updates cannot conflict, so
// fn runs exactly once.
func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if v, ok := m.items.Get(key); ok {
		if data, ok := v.([]byte); ok {
			current = data
		}
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		m.items.Delete(key)
		return nil
	}
	m.items.Set(key, next, expiration(ttl))
	return nil
}

// Delete removes the key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

// Ping always succeeds for the in-process backend.
func (m *Memory) Ping(context.Context) error { return nil }

// Close flushes all entries.
func (m *Memory) Close() error {
	m.items.Flush()
	return nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.DefaultExpiration
	}
	return ttl
}
