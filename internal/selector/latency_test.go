package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

var selNow = time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)

func latencyStrategy(t *testing.T, opts ...Option) Strategy {
	t.Helper()
	opts = append([]Option{WithSeed(42), WithClock(clock.NewFake(selNow))}, opts...)
	return New(StrategyLowestLatency, opts...)
}

func deployment(id string) *provider.Deployment {
	return &provider.Deployment{ID: id, Group: "gpt-4o", ProviderName: "openai", ModelName: "gpt-4o-mini"}
}

func TestLatencyPicksLowestMedian(t *testing.T) {
	s := latencyStrategy(t)
	candidates := []*provider.Deployment{deployment("A"), deployment("B")}
	state := metrics.GroupState{
		"A": {Latency: []float64{0.1}},
		"B": {Latency: []float64{0.5}},
	}

	for i := 0; i < 20; i++ {
		d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
		require.NoError(t, err)
		assert.Equal(t, "A", d.ID)
	}
}

func TestLatencyCapacityFilter(t *testing.T) {
	s := latencyStrategy(t)
	a := deployment("A")
	a.RPMLimit = 10
	b := deployment("B")
	b.RPMLimit = 3
	candidates := []*provider.Deployment{a, b}

	nowKey := clock.MinuteKey(selNow)
	state := metrics.GroupState{
		"A": {Latency: []float64{0.1}, MinuteKey: nowKey, RPM: 3},
		"B": {Latency: []float64{0.1}, MinuteKey: nowKey, RPM: 3},
	}

	// B is at its limit; only A remains.
	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "A", d.ID)

	// Saturate A too.
	state["A"].RPM = 10
	_, err = s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
	assert.ErrorIs(t, err, ErrNoEligibleDeployments)
}

func TestLatencyTPMCapacityCountsInputTokens(t *testing.T) {
	s := latencyStrategy(t)
	a := deployment("A")
	a.TPMLimit = 1000
	candidates := []*provider.Deployment{a}

	state := metrics.GroupState{
		"A": {Latency: []float64{0.1}, MinuteKey: clock.MinuteKey(selNow), TPM: 900},
	}

	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o", EstimatedInputTokens: 50}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "A", d.ID)

	_, err = s.Pick(context.Background(), Request{Group: "gpt-4o", EstimatedInputTokens: 200}, candidates, state)
	assert.ErrorIs(t, err, ErrNoEligibleDeployments)
}

// Counters from an earlier minute bucket are stale and must not block.
func TestLatencyStaleMinuteBucketIgnored(t *testing.T) {
	s := latencyStrategy(t)
	a := deployment("A")
	a.RPMLimit = 3
	candidates := []*provider.Deployment{a}

	state := metrics.GroupState{
		"A": {Latency: []float64{0.1}, MinuteKey: "2026-08-24-11-59", RPM: 3},
	}

	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "A", d.ID)
}

func TestLatencyTTFTPreferredWhenStreaming(t *testing.T) {
	s := latencyStrategy(t)
	candidates := []*provider.Deployment{deployment("A"), deployment("B")}
	state := metrics.GroupState{
		"A": {Latency: []float64{3.0}, TTFT: []float64{1.0}},
		"B": {Latency: []float64{2.0}, TTFT: []float64{2.0}},
	}

	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o", Streaming: true}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "A", d.ID)

	d, err = s.Pick(context.Background(), Request{Group: "gpt-4o", Streaming: false}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "B", d.ID)
}

// A transient failure penalty pushes selection to the sibling deployment.
func TestLatencyFailurePenaltyAvoided(t *testing.T) {
	s := latencyStrategy(t)
	candidates := []*provider.Deployment{deployment("A"), deployment("B")}
	state := metrics.GroupState{
		"A": {Latency: []float64{0.1, metrics.PenaltyLatency}},
		"B": {Latency: []float64{0.1}},
	}

	for i := 0; i < 20; i++ {
		d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
		require.NoError(t, err)
		assert.Equal(t, "B", d.ID)
	}
}

// A deployment with recorded state but an empty latency window scores +Inf,
// so sampled deployments win. This guards the historical averaging crash.
func TestLatencyEmptyWindowTreatedAsInfinity(t *testing.T) {
	s := latencyStrategy(t)
	candidates := []*provider.Deployment{deployment("A"), deployment("B")}
	state := metrics.GroupState{
		"A": {Latency: []float64{}},
		"B": {Latency: []float64{0.4}},
	}

	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "B", d.ID)
}

// All windows empty: selection still succeeds via the full-list fallback.
func TestLatencyAllEmptyWindowsStillSelects(t *testing.T) {
	s := latencyStrategy(t)
	candidates := []*provider.Deployment{deployment("A"), deployment("B")}
	state := metrics.GroupState{
		"A": {Latency: []float64{}},
		"B": {Latency: []float64{}},
	}

	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

// Cold deployments (no state at all) get a zero-latency default entry and
// immediately compete for traffic.
func TestLatencyColdDeploymentParticipates(t *testing.T) {
	s := latencyStrategy(t)
	candidates := []*provider.Deployment{deployment("A"), deployment("B")}
	state := metrics.GroupState{
		"A": {Latency: []float64{0.5}},
	}

	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "B", d.ID)
}

func TestLatencyBufferBandSpreadsLoad(t *testing.T) {
	s := latencyStrategy(t, WithLatencyBuffer(0.5))
	candidates := []*provider.Deployment{deployment("A"), deployment("B"), deployment("C")}
	state := metrics.GroupState{
		"A": {Latency: []float64{1.0}},
		"B": {Latency: []float64{1.2}},
		"C": {Latency: []float64{10.0}},
	}

	picked := map[string]int{}
	for i := 0; i < 200; i++ {
		d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
		require.NoError(t, err)
		picked[d.ID]++
	}

	// A and B are inside the band, C never is.
	assert.Positive(t, picked["A"])
	assert.Positive(t, picked["B"])
	assert.Zero(t, picked["C"])
}

func TestLatencyDeterministicWithSeed(t *testing.T) {
	candidates := []*provider.Deployment{deployment("A"), deployment("B"), deployment("C")}
	state := metrics.GroupState{
		"A": {Latency: []float64{0.2}},
		"B": {Latency: []float64{0.2}},
		"C": {Latency: []float64{0.2}},
	}

	run := func() []string {
		s := New(StrategyLowestLatency, WithSeed(7), WithClock(clock.NewFake(selNow)))
		var ids []string
		for i := 0; i < 10; i++ {
			d, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, candidates, state)
			require.NoError(t, err)
			ids = append(ids, d.ID)
		}
		return ids
	}

	assert.Equal(t, run(), run())
}

func TestLatencyNoCandidates(t *testing.T) {
	s := latencyStrategy(t)
	_, err := s.Pick(context.Background(), Request{Group: "gpt-4o"}, nil, metrics.GroupState{})
	assert.ErrorIs(t, err, ErrNoEligibleDeployments)
}

func TestLatencyTagFilter(t *testing.T) {
	s := latencyStrategy(t)
	a := deployment("A")
	a.Tags = []string{"eu"}
	b := deployment("B")
	b.Tags = []string{"us"}
	candidates := []*provider.Deployment{a, b}
	state := metrics.GroupState{
		"A": {Latency: []float64{0.1}},
		"B": {Latency: []float64{0.1}},
	}

	d, err := s.Pick(context.Background(), Request{Group: "gpt-4o", Tags: []string{"us"}}, candidates, state)
	require.NoError(t, err)
	assert.Equal(t, "B", d.ID)

	_, err = s.Pick(context.Background(), Request{Group: "gpt-4o", Tags: []string{"apac"}}, candidates, state)
	assert.ErrorIs(t, err, ErrNoEligibleDeployments)
}
