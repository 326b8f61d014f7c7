// Package engine drives retry and fallback for routed requests. It owns the
// attempt budget, per-attempt deadlines, cooldown marking on transient
// failures, and the walk through a group's fallback chain.
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/cooldown"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/internal/selector"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// DefaultMaxAttempts is the total attempt budget per request, shared across
// the primary group and its fallbacks.
const DefaultMaxAttempts = 3

// Call executes one attempt against the chosen deployment.
type Call func(ctx context.Context, d *provider.Deployment) (any, error)

// GroupResolver returns a group by name from the active config snapshot.
type GroupResolver func(name string) (*provider.ModelGroup, bool)

// HealthFilter reports whether a deployment is currently usable. A nil filter
// treats everything as healthy.
type HealthFilter func(ctx context.Context, d *provider.Deployment) bool

// Config tunes the engine.
type Config struct {
	// MaxAttempts bounds total attempts; zero uses DefaultMaxAttempts.
	MaxAttempts int

	// DefaultTimeout bounds a single attempt when the deployment sets none.
	// Zero means the request context alone bounds the attempt.
	DefaultTimeout time.Duration

	// CooldownDuration applies when a deployment carries no override.
	CooldownDuration time.Duration

	// AllowedFails is the number of failures per minute a deployment absorbs
	// before cooldown kicks in. Zero cools down on the first qualifying
	// failure.
	AllowedFails int
}

// Engine selects deployments and runs attempts until one succeeds, the
// budget is exhausted, or a terminal error occurs.
type Engine struct {
	strategy selector.Strategy
	recorder *metrics.Recorder
	cooldown *cooldown.Manager
	resolve  GroupResolver
	healthy  HealthFilter
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger
}

// New creates an engine.
func New(strategy selector.Strategy, recorder *metrics.Recorder, cd *cooldown.Manager, resolve GroupResolver, healthy HealthFilter, clk clock.Clock, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		strategy: strategy,
		recorder: recorder,
		cooldown: cd,
		resolve:  resolve,
		healthy:  healthy,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute runs call against deployments of the named group, falling back to
// the group's fallback chain on transient failures. The attempt budget is
// shared across the whole chain. On terminal failure the returned error
// carries every attempt made.
func (e *Engine) Execute(ctx context.Context, group string, req selector.Request, call Call) (any, *provider.Deployment, error) {
	var attempts []llmerrors.AttemptError
	tried := map[string]bool{}
	attemptsLeft := e.cfg.MaxAttempts

	groupNames := e.fallbackChain(group)
	fellBack := false

	for _, name := range groupNames {
		mg, ok := e.resolve(name)
		if !ok {
			continue
		}
		req.Group = name

		// retry holds a 429'd deployment that gets the next attempt directly,
		// skipping selection.
		var retry *provider.Deployment

		for attemptsLeft > 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, llmerrors.NewCancelledError(group)
			}

			d := retry
			retry = nil
			if d == nil {
				var err error
				d, err = e.pick(ctx, mg, req, tried)
				if err != nil {
					// Group exhausted; move down the fallback chain.
					break
				}
			}

			attemptsLeft--
			result, callErr := e.attempt(ctx, d, call)
			if callErr == nil {
				if fellBack {
					metrics.FallbackSuccessful.WithLabelValues(group, name, d.ProviderName, "", "").Inc()
				}
				return result, d, nil
			}

			if ctx.Err() != nil {
				return nil, nil, llmerrors.NewCancelledError(group)
			}

			attempts = append(attempts, attemptOf(d, callErr))
			e.recorder.ObserveFailure(ctx, name, d, callErr)

			switch llmerrors.RetryModeOf(callErr) {
			case llmerrors.RetrySame:
				if attemptsLeft == 0 {
					break
				}
				if !e.sleepRetryAfter(ctx, callErr) {
					return nil, nil, llmerrors.NewCancelledError(group)
				}
				// Backoff served; the next attempt goes back to the same
				// deployment.
				retry = d

			case llmerrors.RetryOther:
				e.coolDown(ctx, name, d, callErr)
				tried[d.ID] = true

			default:
				// Terminal: surface the provider error with the attempt trail.
				if le := llmerrors.AsLLMError(callErr); le != nil {
					le.Attempts = attempts
					return nil, nil, le
				}
				return nil, nil, callErr
			}

			if fellBack {
				metrics.FallbackFailed.WithLabelValues(group, name, d.ProviderName, statusOf(callErr), string(llmerrors.KindOf(callErr))).Inc()
			}
		}

		if attemptsLeft == 0 {
			break
		}
		fellBack = true
	}

	return nil, nil, llmerrors.NewNoDeploymentsError(group, attempts)
}

// fallbackChain returns the primary group followed by its fallbacks,
// deduplicated in order.
func (e *Engine) fallbackChain(group string) []string {
	chain := []string{group}
	seen := map[string]bool{group: true}
	if mg, ok := e.resolve(group); ok {
		for _, fb := range mg.Fallbacks {
			if !seen[fb] {
				seen[fb] = true
				chain = append(chain, fb)
			}
		}
	}
	return chain
}

// pick filters the group's deployments through the tried set, cooldown, and
// health, then asks the strategy.
func (e *Engine) pick(ctx context.Context, mg *provider.ModelGroup, req selector.Request, tried map[string]bool) (*provider.Deployment, error) {
	candidates := make([]*provider.Deployment, 0, len(mg.Deployments))
	for _, d := range mg.Deployments {
		if tried[d.ID] {
			continue
		}
		if e.cooldown != nil && e.cooldown.IsCooling(ctx, d.ID) {
			continue
		}
		if e.healthy != nil && !e.healthy(ctx, d) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, selector.ErrNoEligibleDeployments
	}

	state := e.recorder.GroupState(ctx, mg.Name)
	return e.strategy.Pick(ctx, req, candidates, state)
}

// attempt runs call under the per-attempt deadline: the smaller of the
// deployment timeout and whatever remains on the request context.
func (e *Engine) attempt(ctx context.Context, d *provider.Deployment, call Call) (any, error) {
	timeout := d.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return call(attemptCtx, d)
}

// sleepRetryAfter honors the provider's retry-after hint, bounded by the
// remaining request deadline. Returns false when the context ends first.
func (e *Engine) sleepRetryAfter(ctx context.Context, callErr error) bool {
	wait := time.Second
	if le := llmerrors.AsLLMError(callErr); le != nil && le.RetryAfter > 0 {
		wait = le.RetryAfter
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := deadline.Sub(e.clock.Now()); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) coolDown(ctx context.Context, group string, d *provider.Deployment, callErr error) {
	le := llmerrors.AsLLMError(callErr)
	if le != nil && le.StatusCode != 0 && !llmerrors.IsCooldownRequired(le.StatusCode) {
		return
	}
	if e.cooldown == nil {
		return
	}
	if e.cfg.AllowedFails > 0 {
		if fails := e.cooldown.RecordFailure(ctx, d.ID); fails <= int64(e.cfg.AllowedFails) {
			return
		}
	}

	duration := d.CooldownOverride()
	if duration <= 0 {
		duration = e.cfg.CooldownDuration
	}
	reason := string(llmerrors.KindOf(callErr))
	e.cooldown.Mark(ctx, d.ID, reason, duration)
	metrics.DeploymentCooledDown.WithLabelValues(d.ID, d.ModelName, group, d.ProviderName, d.BaseURL).Inc()
}

func attemptOf(d *provider.Deployment, err error) llmerrors.AttemptError {
	return llmerrors.AttemptError{
		DeploymentID: d.ID,
		Provider:     d.ProviderName,
		Kind:         llmerrors.KindOf(err),
		Message:      err.Error(),
	}
}

func statusOf(err error) string {
	if le := llmerrors.AsLLMError(err); le != nil && le.StatusCode != 0 {
		return strconv.Itoa(le.StatusCode)
	}
	return "0"
}
