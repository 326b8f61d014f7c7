// Package cooldown marks deployments temporarily ineligible for selection
// after qualifying failures. Entries live in the shared store under
// "cooldown:{id}" with a TTL; reads go through a short-lived local cache
// because the selector checks cooldowns far more often than they change.
package cooldown

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/store"
)

const (
	// DefaultDuration is long enough for a rate-limited provider to shed
	// load and short enough that a recovered deployment rejoins quickly.
	DefaultDuration = 60 * time.Second

	localCacheTTL = 2 * time.Second

	// failCountWindow is the rolling window for the allowed-fails threshold.
	failCountWindow = time.Minute
)

// Entry is the persisted cooldown record.
type Entry struct {
	DeploymentID string    `json:"deployment_id"`
	Reason       string    `json:"reason"`
	Until        time.Time `json:"until"`
}

// Manager tracks cooldown entries.
type Manager struct {
	store  store.Store
	clock  clock.Clock
	local  *gocache.Cache
	logger *slog.Logger
}

// NewManager creates a cooldown manager backed by the given store.
func NewManager(s store.Store, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		clock:  clk,
		local:  gocache.New(localCacheTTL, time.Minute),
		logger: logger,
	}
}

// Mark puts a deployment into cooldown for the given duration.
func (m *Manager) Mark(ctx context.Context, deploymentID, reason string, d time.Duration) {
	if d <= 0 {
		d = DefaultDuration
	}
	entry := Entry{
		DeploymentID: deploymentID,
		Reason:       reason,
		Until:        m.clock.Now().Add(d),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		m.logger.Warn("cooldown entry encode failed", "deployment_id", deploymentID, "error", err)
		return
	}
	if err := m.store.Set(ctx, store.CooldownKey(deploymentID), data, d); err != nil {
		m.logger.Warn("cooldown write failed", "deployment_id", deploymentID, "error", err)
		return
	}
	m.local.Set(deploymentID, entry, d)
	m.logger.Info("deployment cooling down",
		"deployment_id", deploymentID,
		"reason", reason,
		"until", entry.Until,
	)
}

// IsCooling reports whether the deployment is currently cooling down. Store
// read failures degrade to "not cooling" so a flaky backend never blocks
// selection entirely.
func (m *Manager) IsCooling(ctx context.Context, deploymentID string) bool {
	if v, ok := m.local.Get(deploymentID); ok {
		if entry, ok := v.(Entry); ok {
			return m.clock.Now().Before(entry.Until)
		}
	}

	data, ok, err := m.store.Get(ctx, store.CooldownKey(deploymentID))
	if err != nil {
		m.logger.Warn("cooldown read failed", "deployment_id", deploymentID, "error", err)
		return false
	}
	if !ok {
		return false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return false
	}
	m.local.Set(deploymentID, entry, localCacheTTL)
	return m.clock.Now().Before(entry.Until)
}

// Get returns the active cooldown entry, if any.
func (m *Manager) Get(ctx context.Context, deploymentID string) (Entry, bool) {
	data, ok, err := m.store.Get(ctx, store.CooldownKey(deploymentID))
	if err != nil || !ok {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false
	}
	if !m.clock.Now().Before(entry.Until) {
		return Entry{}, false
	}
	return entry, true
}

// List reports the active cooldown entries among the given deployments. The
// store has no key scan, so callers supply the candidate set.
func (m *Manager) List(ctx context.Context, deploymentIDs []string) map[string]Entry {
	out := make(map[string]Entry)
	for _, id := range deploymentIDs {
		if entry, ok := m.Get(ctx, id); ok {
			out[id] = entry
		}
	}
	return out
}

// RecordFailure bumps the deployment's rolling failure counter and returns
// the new count. The counter expires after a minute so old failures do not
// accumulate toward the allowed-fails threshold. Store failures report the
// count as over any threshold; cooling down too eagerly on a flaky backend
// beats never cooling down at all.
func (m *Manager) RecordFailure(ctx context.Context, deploymentID string) int64 {
	var count int64
	err := m.store.Update(ctx, store.FailCountKey(deploymentID), failCountWindow, func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			if n, err := strconv.ParseInt(string(current), 10, 64); err == nil {
				count = n
			}
		}
		count++
		return []byte(strconv.FormatInt(count, 10)), nil
	})
	if err != nil {
		m.logger.Warn("failure counter update failed", "deployment_id", deploymentID, "error", err)
		return int64(1 << 30)
	}
	return count
}

// Clear removes the cooldown entry and failure counter for a deployment.
func (m *Manager) Clear(ctx context.Context, deploymentID string) {
	m.local.Delete(deploymentID)
	if err := m.store.Delete(ctx, store.CooldownKey(deploymentID)); err != nil {
		m.logger.Warn("cooldown clear failed", "deployment_id", deploymentID, "error", err)
	}
	_ = m.store.Delete(ctx, store.FailCountKey(deploymentID))
}
