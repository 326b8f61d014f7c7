package lmrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/lmrelay/lmrelay/internal/cache"
	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/config"
	"github.com/lmrelay/lmrelay/internal/cooldown"
	"github.com/lmrelay/lmrelay/internal/engine"
	"github.com/lmrelay/lmrelay/internal/healthcheck"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/internal/persistence"
	"github.com/lmrelay/lmrelay/internal/secret"
	"github.com/lmrelay/lmrelay/internal/secret/env"
	"github.com/lmrelay/lmrelay/internal/secret/vault"
	"github.com/lmrelay/lmrelay/internal/selector"
	"github.com/lmrelay/lmrelay/internal/store"
	"github.com/lmrelay/lmrelay/internal/telemetry"
	"github.com/lmrelay/lmrelay/internal/tokenizer"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/pricing"
	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/provider/httpapi"
	"github.com/lmrelay/lmrelay/pkg/types"
)

// secretCacheTTL bounds how long resolved vault secrets are reused before a
// fresh read.
const secretCacheTTL = 5 * time.Minute

// defaultBaseURLs lets OpenAI-compatible providers work without a per
// deployment base_url. Anything not listed here needs base_url in config.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"xai":        "https://api.x.ai/v1",
	"perplexity": "https://api.perplexity.ai",
	"together":   "https://api.together.xyz/v1",
}

// Router is the gateway core. It resolves logical model groups to concrete
// deployments, runs retry and fallback policy, caches responses, and emits
// metrics and telemetry. Safe for concurrent use.
type Router struct {
	config atomic.Pointer[config.Config]

	store        store.Store
	recorder     *metrics.Recorder
	cooldown     *cooldown.Manager
	checker      *healthcheck.Checker
	readiness    *healthcheck.Readiness
	cacheHandler *cache.Handler
	fingerprint  *cache.Fingerprinter
	bus          *telemetry.Bus
	pricing      *pricing.Registry
	registry     *provider.Registry
	secrets      *secret.Manager
	db           *persistence.DB

	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
	seed   int64

	// engines are keyed by strategy name and rebuilt on config reload.
	mu      sync.Mutex
	engines map[string]*engine.Engine
}

// New builds a router from a validated config. The context bounds startup
// work: secret resolution and the initial database ping.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Router, retErr error) {
	if cfg == nil {
		return nil, fmt.Errorf("lmrelay: nil config")
	}
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	logger := s.logger
	if logger == nil {
		logger = telemetry.NewLogger(loggerConfig(cfg.Telemetry.Logging))
	}
	clk := s.clk
	if clk == nil {
		clk = clock.Real{}
	}

	st := s.store
	if st == nil {
		switch cfg.Store.Type {
		case "redis":
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Store.Redis.Addr,
				Password: cfg.Store.Redis.Password,
				DB:       cfg.Store.Redis.DB,
			})
			st = store.NewRedis(client, store.WithKeyPrefix("lmrelay:"))
		default:
			st = store.NewMemory(0)
		}
	}

	backend := s.cacheBackend
	if backend == nil && cfg.Cache.Enabled {
		switch cfg.Cache.Type {
		case "redis":
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Store.Redis.Addr,
				Password: cfg.Store.Redis.Password,
				DB:       cfg.Store.Redis.DB,
			})
			backend = cache.NewRedis(client, cfg.Cache.TTL)
		default:
			backend = cache.NewMemory(cfg.Cache.TTL)
		}
	}
	handler := cache.NewHandler(backend, cache.HandlerConfig{
		Enabled:          backend != nil,
		DefaultTTL:       cfg.Cache.TTL,
		MaxCacheableSize: cfg.Cache.MaxCacheableSize,
	}, logger)

	secrets := s.secrets
	if secrets == nil {
		secrets = secret.NewManager()
		secrets.Register("env", env.New())
		if cfg.Vault != nil {
			vp, err := vault.New(*cfg.Vault, logger)
			if err != nil {
				return nil, fmt.Errorf("lmrelay: vault: %w", err)
			}
			secrets.Register("vault", secret.NewCachedProvider(vp, secretCacheTTL))
		}
	}

	bus := telemetry.NewBus(telemetry.BusConfig{
		TurnOffMessageLogging: cfg.Telemetry.TurnOffMessageLogging,
		AsyncQueueSize:        cfg.Telemetry.AsyncQueueSize,
	}, logger)
	defer func() {
		if retErr != nil {
			_ = bus.Close(context.Background())
		}
	}()
	bus.RegisterSync(telemetry.NewSlogObserver(logger))
	for _, o := range s.syncObservers {
		bus.RegisterSync(o)
	}
	for _, o := range s.asyncObservers {
		bus.RegisterAsync(o)
	}
	if cfg.Telemetry.S3 != nil {
		s3obs, err := telemetry.NewS3Observer(*cfg.Telemetry.S3)
		if err != nil {
			return nil, fmt.Errorf("lmrelay: s3 telemetry: %w", err)
		}
		bus.RegisterAsync(s3obs)
	}

	prices := pricing.NewRegistry()
	if s.pricingPath != "" {
		if err := prices.Load(s.pricingPath); err != nil {
			return nil, fmt.Errorf("lmrelay: %w", err)
		}
	}

	db := s.db
	if db == nil && cfg.Database.Enabled {
		var err error
		db, err = persistence.Open(cfg.Database.Config, logger)
		if err != nil {
			if !cfg.Database.AllowRequestsOnDBUnavailable {
				return nil, fmt.Errorf("lmrelay: database: %w", err)
			}
			logger.Warn("database unavailable, continuing without spend logging", "error", err)
			db = nil
		}
	}
	if db != nil {
		bus.RegisterAsync(persistence.NewSpendObserver(db, logger))
	}

	registry := provider.NewRegistry()
	registry.Register(httpapi.OpenAI())
	for _, c := range s.clients {
		registry.Register(c)
	}

	tracer := s.tracer
	if tracer == nil {
		tracer = otel.Tracer(telemetry.TracerName)
	}

	r := &Router{
		store: st,
		recorder: metrics.NewRecorder(st, clk, metrics.Config{
			MaxLatencyListSize:        cfg.Router.MaxLatencyListSize,
			MinTokensForLatency:       cfg.Router.MinTokensForLatency,
			MaxLatencySecondsPerToken: cfg.Router.MaxLatencySecondsPerToken,
			MaxTTFTSeconds:            cfg.Router.MaxTTFTSeconds,
		}, logger),
		cooldown:     cooldown.NewManager(st, clk, logger),
		cacheHandler: handler,
		fingerprint:  cache.NewFingerprinter(cfg.Cache.KeyPrefix),
		bus:          bus,
		pricing:      prices,
		registry:     registry,
		secrets:      secrets,
		db:           db,
		clock:        clk,
		logger:       logger,
		tracer:       tracer,
		seed:         s.seed,
		engines:      make(map[string]*engine.Engine),
	}

	if err := r.ApplyConfig(ctx, cfg); err != nil {
		return nil, err
	}

	r.checker = healthcheck.NewChecker(registry, st, clk, func() []*provider.Deployment {
		return r.config.Load().AllDeployments()
	}, cfg.HealthCheck.CheckerConfig(), logger)
	if db != nil {
		r.checker.OnStatus(func(ctx context.Context, status healthcheck.Status) {
			rec := &persistence.HealthRecord{
				DeploymentID: status.DeploymentID,
				Healthy:      status.Healthy,
				Reason:       status.Reason,
				Mode:         status.Mode,
				LatencyMs:    status.LatencyMs,
				CheckedAt:    status.CheckedAt,
			}
			if perr := db.InsertHealthRecord(ctx, rec); perr != nil {
				logger.Warn("health history write failed", "deployment_id", status.DeploymentID, "error", perr)
			}
		})
	}
	r.checker.Start(ctx)

	r.readiness = healthcheck.NewReadiness(Version, healthcheck.ReadinessConfig{
		AllowRequestsOnDBUnavailable: cfg.Database.AllowRequestsOnDBUnavailable,
	}, clk, bus.ObserverCount)
	r.readiness.AddComponent("store", st.Ping)
	if handler.Enabled() {
		r.readiness.AddComponent("cache", handler.Ping)
	}
	if db != nil {
		r.readiness.AddDatabase(db.Ping)
	}

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	return r, nil
}

// ApplyConfig swaps in a new configuration snapshot. In-flight requests keep
// the snapshot they started with. Engines rebuild lazily so strategy and
// retry changes take effect on the next request.
func (r *Router) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := r.secrets.ResolveDeployments(ctx, cfg.AllDeployments()); err != nil {
		return fmt.Errorf("lmrelay: resolve secrets: %w", err)
	}
	r.registerProviders(cfg)
	r.config.Store(cfg)

	r.mu.Lock()
	r.engines = make(map[string]*engine.Engine)
	r.mu.Unlock()

	if r.readiness != nil {
		r.readiness.Invalidate()
	}
	return nil
}

// registerProviders fills the registry with OpenAI-compatible clients for any
// provider name the config references that has no client yet. Explicitly
// registered clients always win.
func (r *Router) registerProviders(cfg *config.Config) {
	for _, d := range cfg.AllDeployments() {
		if _, ok := r.registry.Get(d.ProviderName); ok {
			continue
		}
		r.registry.Register(httpapi.New(httpapi.Config{
			Name:    d.ProviderName,
			BaseURL: defaultBaseURLs[d.ProviderName],
		}))
	}
}

// Config returns the active configuration snapshot.
func (r *Router) Config() *config.Config {
	return r.config.Load()
}

// Readiness reports component health for the readiness endpoint.
func (r *Router) Readiness(ctx context.Context) healthcheck.Snapshot {
	return r.readiness.Check(ctx)
}

// DeploymentHealth returns the last recorded probe status for a deployment.
func (r *Router) DeploymentHealth(ctx context.Context, deploymentID string) (healthcheck.Status, bool) {
	return r.checker.StatusOf(ctx, deploymentID)
}

// InvalidateCache purges cached responses for the given fingerprint keys.
// Pass "*" to purge the whole cache.
func (r *Router) InvalidateCache(ctx context.Context, keys ...string) error {
	return r.cacheHandler.Invalidate(ctx, keys...)
}

// RunHealthChecks probes every deployment once, synchronously.
func (r *Router) RunHealthChecks(ctx context.Context) {
	r.checker.RunOnce(ctx)
}

// HealthReport partitions deployments by their latest probe outcome.
// Deployments that were never probed count as healthy.
type HealthReport struct {
	Healthy   []healthcheck.Status `json:"healthy"`
	Unhealthy []healthcheck.Status `json:"unhealthy"`
}

// HealthCheck probes deployments once and reports the outcome. With no
// groups, every deployment is reported; otherwise only the named groups.
func (r *Router) HealthCheck(ctx context.Context, groups ...string) HealthReport {
	r.checker.RunOnce(ctx)

	want := make(map[string]bool, len(groups))
	for _, g := range groups {
		want[g] = true
	}

	var report HealthReport
	for _, d := range r.config.Load().AllDeployments() {
		if len(want) > 0 && !want[d.Group] {
			continue
		}
		status, ok := r.checker.StatusOf(ctx, d.ID)
		if !ok {
			status = healthcheck.Status{DeploymentID: d.ID, Healthy: true}
		}
		if status.Healthy {
			report.Healthy = append(report.Healthy, status)
		} else {
			report.Unhealthy = append(report.Unhealthy, status)
		}
	}
	return report
}

// Close drains telemetry and releases backends.
func (r *Router) Close(ctx context.Context) error {
	r.checker.Stop()

	var firstErr error
	if err := r.bus.Close(ctx); err != nil {
		firstErr = err
	}
	if err := r.cacheHandler.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.secrets.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Completion routes a chat completion request.
func (r *Router) Completion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	ctx, st := r.newCall(ctx, telemetry.CallTypeChatCompletion, req.Model, req.Stream)
	st.estTokens = tokenizer.EstimatePrompt(req.Model, req)

	fetch := func(ctx context.Context) ([]byte, error) {
		resp, err := r.completeOnce(ctx, st, req)
		if err != nil {
			return nil, err
		}
		return encodeCacheable(resp, resp.Model, st.providerOf())
	}

	// Streamed responses are produced incrementally and never cached.
	if r.cacheHandler.Enabled() && !req.Stream {
		key, err := r.fingerprint.ChatKey(req)
		if err == nil {
			st.cacheKey = key
			data, hit, derr := r.cacheHandler.Do(ctx, key, cacheOptions(req.CacheControl), fetch)
			if derr != nil {
				r.emitFailure(ctx, st, derr, req.Messages)
				return nil, derr
			}
			var resp types.ChatResponse
			if cached := decodeCacheable(data, &resp); cached != nil {
				st.noteCacheResult(hit, cached)
				st.responseID = resp.ID
				if resp.Usage != nil {
					st.usage = *resp.Usage
				}
				r.emitSuccess(ctx, st, req.Messages, &resp, chatParams(req))
				return &resp, nil
			}
			// Corrupt entry; fall through to a direct call.
		}
	}

	resp, err := r.completeOnce(ctx, st, req)
	if err != nil {
		r.emitFailure(ctx, st, err, req.Messages)
		return nil, err
	}
	st.responseID = resp.ID
	r.emitSuccess(ctx, st, req.Messages, resp, chatParams(req))
	return resp, nil
}

// Embedding routes an embedding request.
func (r *Router) Embedding(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	ctx, st := r.newCall(ctx, telemetry.CallTypeEmbedding, req.Model, false)
	st.estTokens = tokenizer.EstimateEmbedding(req.Model, req)

	fetch := func(ctx context.Context) ([]byte, error) {
		resp, err := r.embedOnce(ctx, st, req)
		if err != nil {
			return nil, err
		}
		return encodeCacheable(resp, resp.Model, st.providerOf())
	}

	if r.cacheHandler.Enabled() {
		key, err := r.fingerprint.EmbeddingKey(req)
		if err == nil {
			st.cacheKey = key
			data, hit, derr := r.cacheHandler.Do(ctx, key, cacheOptions(req.CacheControl), fetch)
			if derr != nil {
				r.emitFailure(ctx, st, derr, nil)
				return nil, derr
			}
			var resp types.EmbeddingResponse
			if cached := decodeCacheable(data, &resp); cached != nil {
				st.noteCacheResult(hit, cached)
				if resp.Usage != nil {
					st.usage = *resp.Usage
				}
				r.emitSuccess(ctx, st, nil, &resp, nil)
				return &resp, nil
			}
		}
	}

	resp, err := r.embedOnce(ctx, st, req)
	if err != nil {
		r.emitFailure(ctx, st, err, nil)
		return nil, err
	}
	r.emitSuccess(ctx, st, nil, resp, nil)
	return resp, nil
}

// Transcription routes an audio transcription request.
func (r *Router) Transcription(ctx context.Context, req *types.TranscriptionRequest) (*types.TranscriptionResponse, error) {
	ctx, st := r.newCall(ctx, telemetry.CallTypeTranscription, req.Model, false)

	fetch := func(ctx context.Context) ([]byte, error) {
		resp, err := r.transcribeOnce(ctx, st, req)
		if err != nil {
			return nil, err
		}
		return encodeCacheable(resp, st.modelOf(), st.providerOf())
	}

	if r.cacheHandler.Enabled() {
		key, err := r.fingerprint.TranscriptionKey(req)
		if err == nil {
			st.cacheKey = key
			data, hit, derr := r.cacheHandler.Do(ctx, key, cacheOptions(req.CacheControl), fetch)
			if derr != nil {
				r.emitFailure(ctx, st, derr, nil)
				return nil, derr
			}
			var resp types.TranscriptionResponse
			if cached := decodeCacheable(data, &resp); cached != nil {
				st.noteCacheResult(hit, cached)
				if resp.Usage != nil {
					st.usage = *resp.Usage
				}
				r.emitSuccess(ctx, st, nil, &resp, nil)
				return &resp, nil
			}
		}
	}

	resp, err := r.transcribeOnce(ctx, st, req)
	if err != nil {
		r.emitFailure(ctx, st, err, nil)
		return nil, err
	}
	r.emitSuccess(ctx, st, nil, resp, nil)
	return resp, nil
}

// ImageGeneration routes an image generation request.
func (r *Router) ImageGeneration(ctx context.Context, req *types.ImageRequest) (*types.ImageResponse, error) {
	ctx, st := r.newCall(ctx, telemetry.CallTypeImageGen, req.Model, false)

	fetch := func(ctx context.Context) ([]byte, error) {
		resp, err := r.imageOnce(ctx, st, req)
		if err != nil {
			return nil, err
		}
		return encodeCacheable(resp, st.modelOf(), st.providerOf())
	}

	if r.cacheHandler.Enabled() {
		key, err := r.fingerprint.ImageKey(req)
		if err == nil {
			st.cacheKey = key
			data, hit, derr := r.cacheHandler.Do(ctx, key, cacheOptions(req.CacheControl), fetch)
			if derr != nil {
				r.emitFailure(ctx, st, derr, nil)
				return nil, derr
			}
			var resp types.ImageResponse
			if cached := decodeCacheable(data, &resp); cached != nil {
				st.noteCacheResult(hit, cached)
				r.emitSuccess(ctx, st, nil, &resp, nil)
				return &resp, nil
			}
		}
	}

	resp, err := r.imageOnce(ctx, st, req)
	if err != nil {
		r.emitFailure(ctx, st, err, nil)
		return nil, err
	}
	r.emitSuccess(ctx, st, nil, resp, nil)
	return resp, nil
}

// Rerank routes a rerank request.
func (r *Router) Rerank(ctx context.Context, req *types.RerankRequest) (*types.RerankResponse, error) {
	ctx, st := r.newCall(ctx, telemetry.CallTypeRerank, req.Model, false)

	fetch := func(ctx context.Context) ([]byte, error) {
		resp, err := r.rerankOnce(ctx, st, req)
		if err != nil {
			return nil, err
		}
		return encodeCacheable(resp, st.modelOf(), st.providerOf())
	}

	if r.cacheHandler.Enabled() {
		key, err := r.fingerprint.RerankKey(req)
		if err == nil {
			st.cacheKey = key
			data, hit, derr := r.cacheHandler.Do(ctx, key, cacheOptions(req.CacheControl), fetch)
			if derr != nil {
				r.emitFailure(ctx, st, derr, nil)
				return nil, derr
			}
			var resp types.RerankResponse
			if cached := decodeCacheable(data, &resp); cached != nil {
				st.noteCacheResult(hit, cached)
				if resp.Usage != nil {
					st.usage = *resp.Usage
				}
				r.emitSuccess(ctx, st, nil, &resp, nil)
				return &resp, nil
			}
		}
	}

	resp, err := r.rerankOnce(ctx, st, req)
	if err != nil {
		r.emitFailure(ctx, st, err, nil)
		return nil, err
	}
	r.emitSuccess(ctx, st, nil, resp, nil)
	return resp, nil
}

func (r *Router) completeOnce(ctx context.Context, st *callState, req *types.ChatRequest) (*types.ChatResponse, error) {
	result, err := r.run(ctx, st, func(ctx context.Context, c provider.Client, d *provider.Deployment) (any, error) {
		return c.Complete(ctx, d, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*types.ChatResponse)
	r.observeSuccess(ctx, st, resp.Usage, resp.HiddenParams, resp.Model)
	return resp, nil
}

func (r *Router) embedOnce(ctx context.Context, st *callState, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	result, err := r.run(ctx, st, func(ctx context.Context, c provider.Client, d *provider.Deployment) (any, error) {
		return c.Embed(ctx, d, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*types.EmbeddingResponse)
	r.observeSuccess(ctx, st, resp.Usage, resp.HiddenParams, resp.Model)
	return resp, nil
}

func (r *Router) transcribeOnce(ctx context.Context, st *callState, req *types.TranscriptionRequest) (*types.TranscriptionResponse, error) {
	result, err := r.run(ctx, st, func(ctx context.Context, c provider.Client, d *provider.Deployment) (any, error) {
		return c.Transcribe(ctx, d, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*types.TranscriptionResponse)
	r.observeSuccess(ctx, st, resp.Usage, resp.HiddenParams, "")
	return resp, nil
}

func (r *Router) imageOnce(ctx context.Context, st *callState, req *types.ImageRequest) (*types.ImageResponse, error) {
	result, err := r.run(ctx, st, func(ctx context.Context, c provider.Client, d *provider.Deployment) (any, error) {
		return c.GenerateImage(ctx, d, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*types.ImageResponse)
	r.observeSuccess(ctx, st, nil, resp.HiddenParams, "")
	return resp, nil
}

func (r *Router) rerankOnce(ctx context.Context, st *callState, req *types.RerankRequest) (*types.RerankResponse, error) {
	result, err := r.run(ctx, st, func(ctx context.Context, c provider.Client, d *provider.Deployment) (any, error) {
		return c.Rerank(ctx, d, req)
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*types.RerankResponse)
	r.observeSuccess(ctx, st, resp.Usage, resp.HiddenParams, "")
	return resp, nil
}

// providerCall executes one attempt against a resolved client.
type providerCall func(ctx context.Context, c provider.Client, d *provider.Deployment) (any, error)

// run drives the retry engine for one request, tracking the in-flight gauge
// around every attempt.
func (r *Router) run(ctx context.Context, st *callState, call providerCall) (any, error) {
	sel := selector.Request{
		Group:                st.group,
		Streaming:            st.streaming,
		EstimatedInputTokens: st.estTokens,
		Tags:                 st.tags,
	}
	result, d, err := r.engineFor(st.group).Execute(ctx, st.group, sel, func(ctx context.Context, d *provider.Deployment) (any, error) {
		client, cerr := r.registry.MustGet(d.ProviderName)
		if cerr != nil {
			lerr := llmerrors.New(llmerrors.KindInternal, 500, d.ProviderName, d.ModelName, cerr.Error())
			r.emitAttempt(ctx, st, d, lerr)
			return nil, lerr
		}
		r.recorder.IncrActive(ctx, st.group, d)
		defer r.recorder.DecrActive(ctx, st.group, d)
		result, callErr := call(ctx, client, d)
		// A cancelled request gets no attempt event; the terminal failure
		// emission covers it.
		if callErr != nil && !errors.Is(callErr, context.Canceled) {
			r.emitAttempt(ctx, st, d, callErr)
		}
		return result, callErr
	})
	if err != nil {
		return nil, err
	}
	st.deployment = d
	return result, nil
}

// engineFor returns the engine for the group's strategy, building it on first
// use. Engines are shared across groups with the same strategy.
func (r *Router) engineFor(group string) *engine.Engine {
	cfg := r.config.Load()
	strategy := cfg.Router.Strategy
	if mg, ok := cfg.Group(group); ok && mg.Strategy != "" {
		strategy = mg.Strategy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if eng, ok := r.engines[strategy]; ok {
		return eng
	}

	strat := selector.New(strategy,
		selector.WithSeed(r.seed),
		selector.WithLatencyBuffer(cfg.Router.LowestLatencyBuffer),
		selector.WithClock(r.clock),
	)
	eng := engine.New(strat, r.recorder, r.cooldown, r.resolveGroup, r.healthFilter(), r.clock, engine.Config{
		MaxAttempts:      cfg.Router.MaxAttempts,
		DefaultTimeout:   cfg.Router.DefaultTimeout,
		CooldownDuration: cfg.Router.CooldownDuration,
		AllowedFails:     cfg.Router.AllowedFails,
	}, r.logger)
	r.engines[strategy] = eng
	return eng
}

func (r *Router) resolveGroup(name string) (*provider.ModelGroup, bool) {
	return r.config.Load().Group(name)
}

func (r *Router) healthFilter() engine.HealthFilter {
	return func(ctx context.Context, d *provider.Deployment) bool {
		if r.checker == nil {
			return true
		}
		return r.checker.IsHealthy(ctx, d)
	}
}

// observeSuccess folds one completed provider call into the routing state.
func (r *Router) observeSuccess(ctx context.Context, st *callState, usage *types.Usage, hidden *types.HiddenParams, model string) {
	if usage != nil {
		st.usage = *usage
	}
	if model != "" {
		st.model = model
	}
	if hidden != nil && hidden.CompletionStartUnixNano > 0 {
		st.completionStart = time.Unix(0, hidden.CompletionStartUnixNano)
	}
	r.recorder.ObserveSuccess(ctx, metrics.SuccessEvent{
		Group:           st.group,
		Deployment:      st.deployment,
		StartTime:       st.start,
		EndTime:         r.clock.Now(),
		CompletionStart: st.completionStart,
		Streaming:       st.streaming,
		StatusCode:      200,
		Usage:           st.usage,
	})
}

// callState tracks one routed request across selection, caching, and
// telemetry.
type callState struct {
	traceID   string
	start     time.Time
	group     string
	callType  telemetry.CallType
	streaming bool
	tags      []string
	estTokens int

	cacheKey string
	cacheHit bool

	span trace.Span

	deployment      *provider.Deployment
	model           string
	providerName    string
	responseID      string
	usage           types.Usage
	completionStart time.Time
}

// newCall opens the request lifecycle: trace id, span, and the pre-call
// event. The returned context carries the span for nested provider calls.
func (r *Router) newCall(ctx context.Context, callType telemetry.CallType, group string, streaming bool) (context.Context, *callState) {
	st := &callState{
		traceID:   uuid.NewString(),
		start:     r.clock.Now(),
		group:     group,
		callType:  callType,
		streaming: streaming,
		tags:      TagsFromContext(ctx),
	}
	ctx, st.span = telemetry.StartRequestSpan(ctx, r.tracer, callType, group, streaming)

	p := r.payload(st)
	p.Status = telemetry.StatusPreCall
	r.bus.EmitPreCall(ctx, p)
	return ctx, st
}

func (st *callState) providerOf() string {
	if st.deployment != nil {
		return st.deployment.ProviderName
	}
	return st.providerName
}

func (st *callState) modelOf() string {
	if st.model != "" {
		return st.model
	}
	if st.deployment != nil {
		return st.deployment.ModelName
	}
	return ""
}

// noteCacheResult records the hit/miss metric and backfills attribution for
// requests served by another caller's fetch (singleflight or a peer write).
func (st *callState) noteCacheResult(hit bool, cached *cache.CachedResponse) {
	if hit {
		st.cacheHit = true
		metrics.CacheHits.WithLabelValues(st.group, string(st.callType)).Inc()
	} else {
		metrics.CacheMisses.WithLabelValues(st.group, string(st.callType)).Inc()
	}
	if st.model == "" {
		st.model = cached.Model
	}
	if st.providerName == "" {
		st.providerName = cached.Provider
	}
}

// emitAttempt reports one failed provider attempt under the request's trace
// id so observers can correlate retries with the terminal outcome.
func (r *Router) emitAttempt(ctx context.Context, st *callState, d *provider.Deployment, err error) {
	p := r.payload(st)
	p.Status = telemetry.StatusAttempt
	p.DeploymentID = d.ID
	p.Model = d.ModelName
	p.APIProvider = d.ProviderName
	p.APIBase = d.BaseURL
	p.ErrorStr = err.Error()
	p.ExceptionClass = string(llmerrors.KindOf(err))
	r.bus.EmitAttempt(ctx, p, err)
}

func (r *Router) emitSuccess(ctx context.Context, st *callState, messages, response any, params map[string]any) {
	p := r.payload(st)
	p.Status = telemetry.StatusSuccess
	p.Messages = messages
	p.Response = response
	p.ModelParameters = params
	telemetry.EndRequestSpan(st.span, p, nil)
	r.bus.EmitSuccess(ctx, p)
}

func (r *Router) emitFailure(ctx context.Context, st *callState, err error, messages any) {
	p := r.payload(st)
	p.Status = telemetry.StatusFailure
	p.Messages = messages
	p.ErrorStr = err.Error()
	p.ExceptionClass = string(llmerrors.KindOf(err))
	telemetry.EndRequestSpan(st.span, p, err)
	r.bus.EmitFailure(ctx, p, err)
}

func (r *Router) payload(st *callState) *telemetry.Payload {
	p := &telemetry.Payload{
		ID:               st.responseID,
		TraceID:          st.traceID,
		CallType:         st.callType,
		RequestedModel:   st.group,
		ModelGroup:       st.group,
		Model:            st.modelOf(),
		APIProvider:      st.providerOf(),
		PromptTokens:     st.usage.PromptTokens,
		CompletionTokens: st.usage.CompletionTokens,
		TotalTokens:      st.usage.TotalTokens,
		StartTime:        st.start,
		EndTime:          r.clock.Now(),
		CacheHit:         st.cacheHit,
		CacheKey:         st.cacheKey,
		RequestTags:      st.tags,
	}
	if st.deployment != nil {
		p.DeploymentID = st.deployment.ID
		p.APIBase = st.deployment.BaseURL
		p.HiddenParams = map[string]any{
			"api_key": telemetry.MaskKey(st.deployment.APIKey),
		}
	}
	if !st.completionStart.IsZero() {
		t := st.completionStart
		p.CompletionStartTime = &t
	}
	cost := r.pricing.Cost(p.Model, p.APIProvider, st.usage)
	if st.cacheHit {
		p.SavedCacheCost = cost
	} else {
		p.ResponseCost = cost
	}
	return p
}

// cacheOptions maps per-request cache directives to handler options.
func cacheOptions(ctrl *types.CacheControl) cache.Options {
	var opts cache.Options
	if ctrl == nil {
		return opts
	}
	opts.SkipRead = ctrl.NoCache
	opts.SkipWrite = ctrl.NoStore
	if ctrl.TTLSeconds > 0 {
		opts.TTL = time.Duration(ctrl.TTLSeconds) * time.Second
	}
	return opts
}

// encodeCacheable serializes a response into its cache envelope.
func encodeCacheable(resp any, model, providerName string) ([]byte, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return cache.EncodeResponse(raw, model, providerName)
}

// decodeCacheable unwraps a cache envelope into out. Returns nil on corrupt
// data so callers fall back to a direct provider call.
func decodeCacheable(data []byte, out any) *cache.CachedResponse {
	cached := cache.DecodeResponse(data)
	if cached == nil {
		return nil
	}
	if err := json.Unmarshal(cached.Response, out); err != nil {
		return nil
	}
	return cached
}

func chatParams(req *types.ChatRequest) map[string]any {
	params := make(map[string]any)
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		params["max_tokens"] = req.MaxTokens
	}
	if req.Stream {
		params["stream"] = true
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func loggerConfig(cfg config.LoggingConfig) telemetry.LoggerConfig {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return telemetry.LoggerConfig{
		Level:      level,
		JSONFormat: cfg.Format != "text",
	}
}
