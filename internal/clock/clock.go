// Package clock abstracts time for the router core: monotonic durations, wall
// time for logging, and the minute-bucket keys used by per-minute counters.
// A fake implementation keeps time-dependent tests deterministic.
package clock

import (
	"sync"
	"time"
)

// Layout of the minute-bucket key, always in UTC.
const minuteKeyLayout = "2006-01-02-15-04"

// Clock supplies time to the core.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// MinuteKey returns the per-minute rollup bucket for t (UTC).
func MinuteKey(t time.Time) string {
	return t.UTC().Format(minuteKeyLayout)
}

// Real is the production clock.
type Real struct{}

// Now returns the current wall time (with monotonic reading).
func (Real) Now() time.Time { return time.Now() }

// Since returns the elapsed time since t.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns elapsed fake time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
