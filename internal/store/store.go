// Package store provides keyed, expirable state with atomic compound updates.
// Two interchangeable backends exist: an in-process TTL map and Redis. The
// router keeps per-group deployment metrics, health status, and cooldown
// entries here; all hot-path mutation goes through Update so concurrent
// writers on the same key cannot lose increments.
package store

import (
	"context"
	"errors"
	"time"
)

// Well-known key builders used by the router core. Everything else stored
// here is opaque.
const (
	healthKeyPrefix   = "health:"
	cooldownKeyPrefix = "cooldown:"
	failCountPrefix   = "fails:"
	groupMapSuffix    = "_map"
)

// GroupMapKey returns the key holding the deployment_id -> state map for a
// model group.
func GroupMapKey(group string) string { return group + groupMapSuffix }

// HealthKey returns the key holding the latest health status for a deployment.
func HealthKey(deploymentID string) string { return healthKeyPrefix + deploymentID }

// CooldownKey returns the key holding the cooldown entry for a deployment.
func CooldownKey(deploymentID string) string { return cooldownKeyPrefix + deploymentID }

// FailCountKey returns the key holding the rolling failure counter for a
// deployment, used by the allowed-fails cooldown threshold.
func FailCountKey(deploymentID string) string { return failCountPrefix + deploymentID }

// ErrUpdateConflict is returned when an optimistic read-modify-write exhausted
// its retry budget. Callers on the request path log and continue; the dropped
// update never fails the client request.
var ErrUpdateConflict = errors.New("store: update conflict retries exhausted")

// UpdateFunc transforms the current value of a key into its next value. A nil
// input means the key does not exist yet. Returning nil deletes the key.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the keyed state interface shared by the metrics recorder, cooldown
// manager, health checker, and cache sentinels.
type Store interface {
	// Get returns the value and whether the key exists. Read failures on
	// remote backends surface as errors; callers degrade gracefully.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set overwrites the value with a TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Update applies fn atomically with respect to other Update calls on the
	// same key. Remote backends use optimistic compare-and-set with bounded
	// retry and return ErrUpdateConflict on exhaustion.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error

	// Delete removes the key.
	Delete(ctx context.Context, key string) error

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
