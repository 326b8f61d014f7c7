package healthcheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lmrelay/lmrelay/internal/clock"
)

func TestReadinessAllHealthy(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	r := NewReadiness("1.2.3", ReadinessConfig{}, clk, func() int { return 2 })
	r.AddComponent("store", func(ctx context.Context) error { return nil })
	r.AddComponent("cache", func(ctx context.Context) error { return nil })

	snap := r.Check(context.Background())
	assert.True(t, snap.Ready)
	assert.Equal(t, "1.2.3", snap.Version)
	assert.Equal(t, 2, snap.Observers)
	assert.Equal(t, "healthy", snap.Components["store"])
	assert.Equal(t, "healthy", snap.Components["cache"])
}

func TestReadinessRequiredComponentFailure(t *testing.T) {
	r := NewReadiness("dev", ReadinessConfig{}, nil, nil)
	r.AddComponent("store", func(ctx context.Context) error { return errors.New("redis down") })

	snap := r.Check(context.Background())
	assert.False(t, snap.Ready)
	assert.Contains(t, snap.Components["store"], "redis down")
}

func TestReadinessDBFailureTolerated(t *testing.T) {
	r := NewReadiness("dev", ReadinessConfig{AllowRequestsOnDBUnavailable: true}, nil, nil)
	r.AddComponent("store", func(ctx context.Context) error { return nil })
	r.AddDatabase(func(ctx context.Context) error { return errors.New("pq: down") })

	snap := r.Check(context.Background())
	assert.True(t, snap.Ready)
	assert.Contains(t, snap.Components["db"], "pq: down")
}

func TestReadinessDBFailureFatalByDefault(t *testing.T) {
	r := NewReadiness("dev", ReadinessConfig{}, nil, nil)
	r.AddDatabase(func(ctx context.Context) error { return errors.New("pq: down") })

	snap := r.Check(context.Background())
	assert.False(t, snap.Ready)
}

func TestReadinessSnapshotCached(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	calls := 0
	r := NewReadiness("dev", ReadinessConfig{}, clk, nil)
	r.AddComponent("store", func(ctx context.Context) error {
		calls++
		return nil
	})

	first := r.Check(context.Background())
	second := r.Check(context.Background())
	assert.Equal(t, 1, calls)
	assert.Equal(t, first.CheckedAt, second.CheckedAt)

	clk.Advance(snapshotTTL + time.Second)
	r.Check(context.Background())
	assert.Equal(t, 2, calls)
}

func TestReadinessInvalidateForcesRecheck(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	calls := 0
	r := NewReadiness("dev", ReadinessConfig{}, clk, nil)
	r.AddComponent("store", func(ctx context.Context) error {
		calls++
		return nil
	})

	r.Check(context.Background())
	r.Invalidate()
	r.Check(context.Background())
	assert.Equal(t, 2, calls)
}
