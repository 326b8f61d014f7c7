package lmrelay

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/lmrelay/lmrelay/internal/cache"
	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/persistence"
	"github.com/lmrelay/lmrelay/internal/secret"
	"github.com/lmrelay/lmrelay/internal/store"
	"github.com/lmrelay/lmrelay/internal/telemetry"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// Option customizes Router construction.
type Option func(*settings)

type settings struct {
	logger         *slog.Logger
	clk            clock.Clock
	store          store.Store
	cacheBackend   cache.Backend
	secrets        *secret.Manager
	db             *persistence.DB
	seed           int64
	clients        []provider.Client
	syncObservers  []telemetry.Observer
	asyncObservers []telemetry.Observer
	pricingPath    string
	tracer         trace.Tracer
}

// WithLogger sets the structured logger. Defaults to one built from the
// telemetry logging config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock overrides the clock. Tests use a fake to control time.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) { s.clk = clk }
}

// WithStore overrides the shared state store, ignoring the store section of
// the config.
func WithStore(st store.Store) Option {
	return func(s *settings) { s.store = st }
}

// WithCacheBackend overrides the response cache backend, ignoring the
// cache_config type.
func WithCacheBackend(b cache.Backend) Option {
	return func(s *settings) { s.cacheBackend = b }
}

// WithSecretManager overrides the secret manager used to resolve deployment
// API key references.
func WithSecretManager(m *secret.Manager) Option {
	return func(s *settings) { s.secrets = m }
}

// WithDB attaches a PostgreSQL handle for spend logging and readiness.
func WithDB(db *persistence.DB) Option {
	return func(s *settings) { s.db = db }
}

// WithSeed fixes the selection RNG seed for deterministic tests.
func WithSeed(seed int64) Option {
	return func(s *settings) { s.seed = seed }
}

// WithProviderClient registers a provider client, replacing any default
// registered under the same name.
func WithProviderClient(c provider.Client) Option {
	return func(s *settings) { s.clients = append(s.clients, c) }
}

// WithObserver registers a synchronous telemetry observer.
func WithObserver(o telemetry.Observer) Option {
	return func(s *settings) { s.syncObservers = append(s.syncObservers, o) }
}

// WithAsyncObserver registers a telemetry observer fed off the request path.
func WithAsyncObserver(o telemetry.Observer) Option {
	return func(s *settings) { s.asyncObservers = append(s.asyncObservers, o) }
}

// WithPricingTable overlays a custom price table file on the embedded
// defaults.
func WithPricingTable(path string) Option {
	return func(s *settings) { s.pricingPath = path }
}

// WithTracer sets the tracer used for per-request spans. Defaults to the
// global tracer provider, which is a no-op unless tracing is initialized.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) { s.tracer = tracer }
}
