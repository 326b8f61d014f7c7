package secret

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with an in-memory TTL cache. Vault
// lookups during a config reload would otherwise hit the backend once per
// deployment sharing the same reference.
type CachedProvider struct {
	inner Provider
	cache *gocache.Cache
}

// NewCachedProvider wraps inner with a cache holding values for ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: gocache.New(ttl, ttl*2),
	}
}

// Get returns the cached value or delegates to the inner provider.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if v, ok := p.cache.Get(path); ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, val, gocache.DefaultExpiration)
	return val, nil
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error { return p.inner.Close() }
