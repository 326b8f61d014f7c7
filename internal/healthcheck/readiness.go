package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/lmrelay/lmrelay/internal/clock"
)

// snapshotTTL bounds how often readiness re-pings its dependencies. Load
// balancers poll readiness aggressively; dependency pings are not free.
const snapshotTTL = 2 * time.Minute

// Pinger checks one dependency.
type Pinger func(ctx context.Context) error

// Snapshot is a point-in-time readiness report.
type Snapshot struct {
	Ready      bool              `json:"ready"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
	Observers  int               `json:"observers"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// ReadinessConfig tunes readiness behavior.
type ReadinessConfig struct {
	// AllowRequestsOnDBUnavailable keeps the gateway ready when only the
	// database ping fails. Routing does not need the database; spend logs
	// and health history queue up and flush once it returns.
	AllowRequestsOnDBUnavailable bool `yaml:"allow_requests_on_db_unavailable"`
}

// Readiness aggregates dependency pings into a cached ready/not-ready answer.
type Readiness struct {
	version   string
	config    ReadinessConfig
	clock     clock.Clock
	observers func() int

	mu         sync.Mutex
	components map[string]Pinger
	optional   map[string]bool
	cached     *Snapshot
}

// NewReadiness creates a readiness aggregator. observers reports the number
// of registered telemetry observers; nil means zero.
func NewReadiness(version string, cfg ReadinessConfig, clk clock.Clock, observers func() int) *Readiness {
	if clk == nil {
		clk = clock.Real{}
	}
	if observers == nil {
		observers = func() int { return 0 }
	}
	return &Readiness{
		version:    version,
		config:     cfg,
		clock:      clk,
		observers:  observers,
		components: make(map[string]Pinger),
		optional:   make(map[string]bool),
	}
}

// AddComponent registers a required dependency ping under the given name.
func (r *Readiness) AddComponent(name string, ping Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = ping
}

// AddDatabase registers the database ping. Whether its failure flips
// readiness depends on AllowRequestsOnDBUnavailable.
func (r *Readiness) AddDatabase(ping Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components["db"] = ping
	r.optional["db"] = r.config.AllowRequestsOnDBUnavailable
}

// Check returns the current readiness snapshot, re-pinging dependencies at
// most once per snapshotTTL.
func (r *Readiness) Check(ctx context.Context) Snapshot {
	r.mu.Lock()
	if r.cached != nil && r.clock.Since(r.cached.CheckedAt) < snapshotTTL {
		snap := *r.cached
		r.mu.Unlock()
		return snap
	}
	pings := make(map[string]Pinger, len(r.components))
	for name, ping := range r.components {
		pings[name] = ping
	}
	optional := make(map[string]bool, len(r.optional))
	for name, v := range r.optional {
		optional[name] = v
	}
	r.mu.Unlock()

	snap := Snapshot{
		Ready:      true,
		Version:    r.version,
		Components: make(map[string]string, len(pings)),
		Observers:  r.observers(),
		CheckedAt:  r.clock.Now(),
	}
	for name, ping := range pings {
		if err := ping(ctx); err != nil {
			snap.Components[name] = "unhealthy: " + err.Error()
			if !optional[name] {
				snap.Ready = false
			}
			continue
		}
		snap.Components[name] = "healthy"
	}

	r.mu.Lock()
	r.cached = &snap
	r.mu.Unlock()
	return snap
}

// Invalidate drops the cached snapshot so the next Check re-pings.
func (r *Readiness) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}
