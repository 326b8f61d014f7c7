// Package cache provides response caching for LLM requests. It supports
// in-memory and Redis backends behind one interface, request fingerprinting,
// and single-flight deduplication of identical concurrent misses.
package cache

import (
	"context"
	"time"
)

// Backend is the storage interface shared by all cache implementations.
type Backend interface {
	// Get retrieves a value. Returns nil, nil on miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. Zero TTL uses the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Flush removes every cached entry.
	Flush(ctx context.Context) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// CachedResponse wraps a serialized response with cache metadata.
type CachedResponse struct {
	Timestamp int64  `json:"timestamp"`
	Response  []byte `json:"response"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
}
