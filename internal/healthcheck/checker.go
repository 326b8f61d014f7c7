package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/store"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// Defaults for the background probe loop.
const (
	DefaultInterval     = 30 * time.Second
	DefaultProbeTimeout = 10 * time.Second
	DefaultConcurrency  = 8

	// statusTTL keeps stale results from outliving a stopped checker forever:
	// a status that was never refreshed expires and the deployment reverts to
	// the optimistic default.
	statusTTL = 10 * time.Minute
)

// Status is the persisted health record for one deployment.
type Status struct {
	DeploymentID string    `json:"deployment_id"`
	Healthy      bool      `json:"healthy"`
	Reason       string    `json:"reason,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
	Mode         string    `json:"mode"`
	LatencyMs    int64     `json:"latency_ms"`
}

// Config controls the background checker.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Concurrency  int           `yaml:"concurrency"`

	// ProbesPerSecond caps the aggregate probe rate across all deployments.
	// Zero means unlimited.
	ProbesPerSecond float64 `yaml:"probes_per_second"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// ListDeployments supplies the current deployment set. Reading it per round
// keeps the checker in step with config hot reloads.
type ListDeployments func() []*provider.Deployment

// Checker probes deployments in the background and persists results to the
// shared store under "health:{id}". In a multi-instance setup every instance
// probes and the last write wins; results are idempotent so that is fine.
type Checker struct {
	registry *provider.Registry
	store    store.Store
	clock    clock.Clock
	list     ListDeployments
	config   Config
	logger   *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	// onStatus, when set, receives every persisted status. Used to append
	// health history to external sinks.
	onStatus func(ctx context.Context, status Status)
}

// OnStatus registers a hook invoked with every persisted probe result. Must
// be called before Start.
func (c *Checker) OnStatus(fn func(ctx context.Context, status Status)) {
	c.onStatus = fn
}

// NewChecker creates a checker. Call Start to begin the probe loop.
func NewChecker(registry *provider.Registry, s store.Store, clk clock.Clock, list ListDeployments, cfg Config, logger *slog.Logger) *Checker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		registry: registry,
		store:    s,
		clock:    clk,
		list:     list,
		config:   cfg.withDefaults(),
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic probe loop. It returns immediately; the first
// round runs right away so fresh statuses exist before the first interval
// elapses. No-op when the checker is disabled.
func (c *Checker) Start(ctx context.Context) {
	if !c.config.Enabled {
		close(c.doneCh)
		return
	}
	go c.loop(ctx)
}

// Stop terminates the probe loop and waits for the in-flight round.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Checker) loop(ctx context.Context) {
	defer close(c.doneCh)

	c.RunOnce(ctx)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.RunOnce(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce probes every deployment once and persists the results. Exposed for
// on-demand checks and tests; the background loop calls it per interval.
func (c *Checker) RunOnce(ctx context.Context) {
	deployments := c.list()
	if len(deployments) == 0 {
		return
	}

	var limiter *rate.Limiter
	if c.config.ProbesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.config.ProbesPerSecond), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for _, d := range deployments {
		d := d
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
			}
			status := c.probe(gctx, d)
			c.persist(gctx, status)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) probe(ctx context.Context, d *provider.Deployment) Status {
	mode := ProbeMode(d)
	status := Status{
		DeploymentID: d.ID,
		Mode:         string(mode),
		CheckedAt:    c.clock.Now(),
	}

	models, err := ProbeModels(d)
	if err != nil {
		status.Reason = err.Error()
		return status
	}
	client, err := c.registry.MustGet(d.ProviderName)
	if err != nil {
		status.Reason = err.Error()
		return status
	}

	start := c.clock.Now()
	var probeErr error
	for _, model := range models {
		target := d
		if model != d.ModelName {
			clone := *d
			clone.ModelName = model
			target = &clone
		}
		probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
		probeErr = client.Probe(probeCtx, target, mode)
		cancel()
		if probeErr == nil {
			break
		}
	}
	status.LatencyMs = c.clock.Since(start).Milliseconds()
	if probeErr != nil {
		status.Reason = probeErr.Error()
		c.logger.Warn("health probe failed",
			"deployment_id", d.ID,
			"provider", d.ProviderName,
			"mode", string(mode),
			"error", probeErr,
		)
		return status
	}
	status.Healthy = true
	return status
}

func (c *Checker) persist(ctx context.Context, status Status) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, store.HealthKey(status.DeploymentID), data, statusTTL); err != nil {
		c.logger.Warn("health status write failed", "deployment_id", status.DeploymentID, "error", err)
	}
	if c.onStatus != nil {
		c.onStatus(ctx, status)
	}
}

// IsHealthy reports whether a deployment is currently considered healthy.
// Missing or unreadable status is optimistic: a deployment that was never
// probed stays routable, and a flaky store never blackholes traffic.
func (c *Checker) IsHealthy(ctx context.Context, d *provider.Deployment) bool {
	data, ok, err := c.store.Get(ctx, store.HealthKey(d.ID))
	if err != nil || !ok {
		return true
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return true
	}
	return status.Healthy
}

// StatusOf returns the latest persisted status for a deployment.
func (c *Checker) StatusOf(ctx context.Context, deploymentID string) (Status, bool) {
	data, ok, err := c.store.Get(ctx, store.HealthKey(deploymentID))
	if err != nil || !ok {
		return Status{}, false
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, false
	}
	return status, true
}
