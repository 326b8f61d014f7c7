package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
)

const (
	// sentinelTTL bounds how long a crashed writer can block peers from
	// fetching the same key.
	sentinelTTL = 30 * time.Second

	// sentinelPollInterval paces waiters polling for another instance's
	// in-progress fetch to land.
	sentinelPollInterval = 50 * time.Millisecond

	// sentinelPollBudget caps how long a waiter polls before fetching itself.
	sentinelPollBudget = 2 * time.Second
)

// HandlerConfig holds cache handler configuration.
type HandlerConfig struct {
	Enabled          bool
	DefaultTTL       time.Duration
	MaxCacheableSize int
}

// DefaultHandlerConfig returns the defaults used when config omits values.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Enabled:          true,
		DefaultTTL:       time.Hour,
		MaxCacheableSize: 10 * 1024 * 1024,
	}
}

// Options tune one Do call.
type Options struct {
	// TTL overrides the default storage TTL when positive.
	TTL time.Duration

	// SkipRead bypasses the cache lookup but still stores the result.
	SkipRead bool

	// SkipWrite serves from cache when possible but never stores.
	SkipWrite bool
}

// Fetch produces the value on a cache miss.
type Fetch func(ctx context.Context) ([]byte, error)

// Handler layers request deduplication over a cache backend. Concurrent
// identical misses in one process collapse into a single upstream call via
// singleflight; across processes an in-progress sentinel key lets peers wait
// briefly for the winner's write instead of fetching in parallel.
type Handler struct {
	backend Backend
	config  HandlerConfig
	flight  singleflight.Group
	logger  *slog.Logger
}

// NewHandler creates a cache handler. A nil backend disables caching.
func NewHandler(backend Backend, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultHandlerConfig().DefaultTTL
	}
	if cfg.MaxCacheableSize <= 0 {
		cfg.MaxCacheableSize = DefaultHandlerConfig().MaxCacheableSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{backend: backend, config: cfg, logger: logger}
}

// Enabled reports whether the handler serves from cache.
func (h *Handler) Enabled() bool {
	return h.config.Enabled && h.backend != nil
}

// Do returns the cached value for key, or runs fetch on a miss and stores
// the result. The bool result reports whether the value came from cache.
// Fetch errors pass through untouched; cache backend errors degrade to a
// direct fetch.
func (h *Handler) Do(ctx context.Context, key string, opts Options, fetch Fetch) ([]byte, bool, error) {
	if !h.Enabled() {
		data, err := fetch(ctx)
		return data, false, err
	}

	if !opts.SkipRead {
		if data := h.lookup(ctx, key); data != nil {
			return data, true, nil
		}
	}

	type flightResult struct {
		data []byte
		hit  bool
	}

	v, err, _ := h.flight.Do(key, func() (any, error) {
		// Another flight may have landed between the miss and entering the
		// group.
		if !opts.SkipRead {
			if data := h.lookup(ctx, key); data != nil {
				return flightResult{data: data, hit: true}, nil
			}
			if data := h.awaitPeer(ctx, key); data != nil {
				return flightResult{data: data, hit: true}, nil
			}
		}

		h.placeSentinel(ctx, key)
		defer h.clearSentinel(key)

		data, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		if !opts.SkipWrite && len(data) <= h.config.MaxCacheableSize {
			h.storeValue(ctx, key, data, opts.TTL)
		}
		return flightResult{data: data}, nil
	})
	if err != nil {
		return nil, false, err
	}
	result := v.(flightResult)
	return result.data, result.hit, nil
}

// Invalidate removes the cached entries for the given keys. The wildcard
// key "*" purges the whole cache.
func (h *Handler) Invalidate(ctx context.Context, keys ...string) error {
	if !h.Enabled() {
		return nil
	}
	for _, key := range keys {
		if key == "*" {
			return h.backend.Flush(ctx)
		}
		if err := h.backend.Delete(ctx, valueKey(key)); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks backend health.
func (h *Handler) Ping(ctx context.Context) error {
	if h.backend == nil {
		return nil
	}
	return h.backend.Ping(ctx)
}

// Close releases backend resources.
func (h *Handler) Close() error {
	if h.backend == nil {
		return nil
	}
	return h.backend.Close()
}

func valueKey(key string) string    { return key }
func sentinelKey(key string) string { return "inprogress:" + key }

func (h *Handler) lookup(ctx context.Context, key string) []byte {
	data, err := h.backend.Get(ctx, valueKey(key))
	if err != nil {
		h.logger.Warn("cache read failed", "key", key, "error", err)
		return nil
	}
	return data
}

// awaitPeer polls for a value being written by another gateway instance, as
// signaled by its sentinel. Returns nil when no peer is fetching or the
// budget runs out.
func (h *Handler) awaitPeer(ctx context.Context, key string) []byte {
	marker, err := h.backend.Get(ctx, sentinelKey(key))
	if err != nil || marker == nil {
		return nil
	}

	deadline := time.Now().Add(sentinelPollBudget)
	ticker := time.NewTicker(sentinelPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if data := h.lookup(ctx, key); data != nil {
			return data
		}
		marker, err = h.backend.Get(ctx, sentinelKey(key))
		if err != nil || marker == nil {
			return nil
		}
	}
	return nil
}

func (h *Handler) placeSentinel(ctx context.Context, key string) {
	if err := h.backend.Set(ctx, sentinelKey(key), []byte("1"), sentinelTTL); err != nil {
		h.logger.Warn("cache sentinel write failed", "key", key, "error", err)
	}
}

// clearSentinel uses a background context so a cancelled request still
// releases its sentinel.
func (h *Handler) clearSentinel(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.backend.Delete(ctx, sentinelKey(key)); err != nil {
		h.logger.Warn("cache sentinel clear failed", "key", key, "error", err)
	}
}

func (h *Handler) storeValue(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = h.config.DefaultTTL
	}
	if err := h.backend.Set(ctx, valueKey(key), data, ttl); err != nil {
		h.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// EncodeResponse wraps a serialized response with cache metadata.
func EncodeResponse(resp []byte, model, providerName string) ([]byte, error) {
	return json.Marshal(CachedResponse{
		Timestamp: time.Now().Unix(),
		Response:  resp,
		Model:     model,
		Provider:  providerName,
	})
}

// DecodeResponse unwraps a cached entry; nil on corrupt data so callers
// treat it as a miss.
func DecodeResponse(data []byte) *CachedResponse {
	var cached CachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil
	}
	return &cached
}
