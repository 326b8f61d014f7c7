// Package selector implements deployment selection strategies. A strategy
// picks one deployment from a group's healthy candidates using the per-group
// runtime state the metrics recorder maintains.
package selector

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// Strategy names accepted in configuration.
const (
	StrategySimpleShuffle = "simple-shuffle"
	StrategyLowestLatency = "latency-based"
	StrategyLowestUsage   = "usage-based"
	StrategyLeastBusy     = "least-busy"
)

// ErrNoEligibleDeployments is returned when every candidate is filtered out
// by tags or capacity, or the candidate list is empty.
var ErrNoEligibleDeployments = errors.New("selector: no eligible deployments")

// Request carries the per-request signals a strategy may consider.
type Request struct {
	Group                string
	Streaming            bool
	EstimatedInputTokens int
	Tags                 []string
}

// Strategy picks a deployment from candidates. State is the group's current
// runtime state; strategies must tolerate missing or partial entries.
type Strategy interface {
	Name() string
	Pick(ctx context.Context, req Request, candidates []*provider.Deployment, state metrics.GroupState) (*provider.Deployment, error)
}

// rng is a mutex-guarded rand.Rand so strategies stay safe under concurrent
// Pick calls while remaining seedable for deterministic tests.
type rng struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newRNG(seed int64) *rng {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &rng{r: rand.New(rand.NewSource(seed))}
}

func (g *rng) Intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Intn(n)
}

func (g *rng) Float64() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Float64()
}

func (g *rng) Shuffle(n int, swap func(i, j int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.r.Shuffle(n, swap)
}

// Option configures a strategy built by New.
type Option func(*options)

type options struct {
	seed   int64
	buffer float64
	clock  clock.Clock
}

// WithSeed fixes the RNG seed. Zero uses a time-based seed.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithLatencyBuffer sets the lowest-latency buffer fraction: candidates whose
// primary score is within buffer*lowest of the lowest all remain eligible.
func WithLatencyBuffer(buffer float64) Option {
	return func(o *options) {
		if buffer >= 0 {
			o.buffer = buffer
		}
	}
}

// WithClock overrides the clock used for minute-bucket checks.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// New builds a strategy by name. Unknown names fall back to simple shuffle.
func New(name string, opts ...Option) Strategy {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	r := newRNG(o.seed)

	switch name {
	case StrategyLowestLatency:
		return &LowestLatency{rng: r, buffer: o.buffer, clock: o.clock}
	case StrategyLowestUsage:
		return &LowestUsage{rng: r, clock: o.clock}
	case StrategyLeastBusy:
		return &LeastBusy{rng: r, clock: o.clock}
	default:
		return &SimpleShuffle{rng: r, clock: o.clock}
	}
}

// filterByTags keeps deployments carrying every requested tag.
func filterByTags(candidates []*provider.Deployment, tags []string) []*provider.Deployment {
	if len(tags) == 0 {
		return candidates
	}
	out := make([]*provider.Deployment, 0, len(candidates))
	for _, d := range candidates {
		if hasAllTags(d.Tags, tags) {
			out = append(out, d)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// currentCounters returns the deployment's TPM/RPM for the current minute
// bucket. Stale buckets count as zero.
func currentCounters(st *metrics.DeploymentState, nowKey string) (tpm, rpm int64) {
	if st == nil || st.MinuteKey != nowKey {
		return 0, 0
	}
	return st.TPM, st.RPM
}

// overCapacity reports whether routing one more request with the estimated
// input tokens would push the deployment past its configured limits.
func overCapacity(d *provider.Deployment, st *metrics.DeploymentState, nowKey string, inputTokens int) bool {
	tpm, rpm := currentCounters(st, nowKey)
	if d.TPMLimit > 0 && tpm+int64(inputTokens) > d.TPMLimit {
		return true
	}
	if d.RPMLimit > 0 && rpm+1 > d.RPMLimit {
		return true
	}
	return false
}
