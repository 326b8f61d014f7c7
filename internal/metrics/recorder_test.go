package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/store"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/types"
)

var testStart = time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)

func newTestRecorder(t *testing.T) (*Recorder, store.Store) {
	t.Helper()
	s := store.NewMemory(0)
	return NewRecorder(s, clock.NewFake(testStart), Config{}, nil), s
}

func groupState(t *testing.T, s store.Store, group string) GroupState {
	t.Helper()
	data, ok, err := s.Get(context.Background(), store.GroupMapKey(group))
	require.NoError(t, err)
	require.True(t, ok)
	return DecodeGroupState(data)
}

func dep(id string) *provider.Deployment {
	return &provider.Deployment{
		ID:           id,
		Group:        "gpt-4o",
		ProviderName: "openai",
		ModelName:    "gpt-4o-mini",
		BaseURL:      "https://api.openai.com/v1",
	}
}

func TestObserveSuccessPerTokenLatency(t *testing.T) {
	r, s := newTestRecorder(t)

	r.ObserveSuccess(context.Background(), SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-1"),
		StartTime:  testStart,
		EndTime:    testStart.Add(2 * time.Second),
		Usage:      types.Usage{PromptTokens: 10, CompletionTokens: 100, TotalTokens: 110},
	})

	st := groupState(t, s, "gpt-4o")["dep-1"]
	require.NotNil(t, st)
	require.Len(t, st.Latency, 1)
	assert.InDelta(t, 0.02, st.Latency[0], 1e-9)
	assert.Equal(t, int64(110), st.TPM)
	assert.Equal(t, int64(1), st.RPM)
	assert.Equal(t, "2026-08-24-12-00", st.MinuteKey)
}

// Responses with no completion tokens record raw seconds, never dividing.
func TestObserveSuccessZeroCompletionTokens(t *testing.T) {
	r, s := newTestRecorder(t)

	r.ObserveSuccess(context.Background(), SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-1"),
		StartTime:  testStart,
		EndTime:    testStart.Add(500 * time.Millisecond),
		Usage:      types.Usage{PromptTokens: 10, CompletionTokens: 0, TotalTokens: 10},
	})

	st := groupState(t, s, "gpt-4o")["dep-1"]
	require.Len(t, st.Latency, 1)
	assert.InDelta(t, 0.5, st.Latency[0], 1e-9)
}

// Below the per-token threshold raw seconds are recorded too.
func TestObserveSuccessFewTokensRecordsRawSeconds(t *testing.T) {
	r, s := newTestRecorder(t)

	r.ObserveSuccess(context.Background(), SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-1"),
		StartTime:  testStart,
		EndTime:    testStart.Add(3 * time.Second),
		Usage:      types.Usage{CompletionTokens: 4, TotalTokens: 4},
	})

	st := groupState(t, s, "gpt-4o")["dep-1"]
	assert.InDelta(t, 3.0, st.Latency[0], 1e-9)
}

func TestObserveSuccessClampsLatency(t *testing.T) {
	r, s := newTestRecorder(t)

	r.ObserveSuccess(context.Background(), SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-1"),
		StartTime:  testStart,
		EndTime:    testStart.Add(10 * time.Minute),
		Usage:      types.Usage{CompletionTokens: 1, TotalTokens: 1},
	})

	st := groupState(t, s, "gpt-4o")["dep-1"]
	assert.Equal(t, DefaultMaxLatencySecondsPerToken, st.Latency[0])
}

func TestObserveSuccessTTFTOnlyWhenStreaming(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()

	r.ObserveSuccess(ctx, SuccessEvent{
		Group:           "gpt-4o",
		Deployment:      dep("dep-1"),
		StartTime:       testStart,
		EndTime:         testStart.Add(2 * time.Second),
		CompletionStart: testStart.Add(300 * time.Millisecond),
		Streaming:       true,
		Usage:           types.Usage{CompletionTokens: 50, TotalTokens: 60},
	})
	r.ObserveSuccess(ctx, SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-2"),
		StartTime:  testStart,
		EndTime:    testStart.Add(2 * time.Second),
		Usage:      types.Usage{CompletionTokens: 50, TotalTokens: 60},
	})

	gs := groupState(t, s, "gpt-4o")
	require.Len(t, gs["dep-1"].TTFT, 1)
	assert.InDelta(t, 0.3, gs["dep-1"].TTFT[0], 1e-9)
	assert.Empty(t, gs["dep-2"].TTFT)
}

func TestLatencyWindowBounded(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < DefaultMaxLatencyListSize+5; i++ {
		r.ObserveSuccess(ctx, SuccessEvent{
			Group:      "gpt-4o",
			Deployment: dep("dep-1"),
			StartTime:  testStart,
			EndTime:    testStart.Add(time.Second),
			Usage:      types.Usage{CompletionTokens: 10, TotalTokens: 20},
		})
	}

	st := groupState(t, s, "gpt-4o")["dep-1"]
	assert.Len(t, st.Latency, DefaultMaxLatencyListSize)
}

func TestMinuteBucketRollover(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()

	r.ObserveSuccess(ctx, SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-1"),
		StartTime:  testStart,
		EndTime:    testStart.Add(time.Second),
		Usage:      types.Usage{TotalTokens: 100, CompletionTokens: 10},
	})

	nextMinute := testStart.Add(time.Minute)
	r.ObserveSuccess(ctx, SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-1"),
		StartTime:  nextMinute,
		EndTime:    nextMinute.Add(time.Second),
		Usage:      types.Usage{TotalTokens: 40, CompletionTokens: 10},
	})

	st := groupState(t, s, "gpt-4o")["dep-1"]
	assert.Equal(t, "2026-08-24-12-01", st.MinuteKey)
	assert.Equal(t, int64(40), st.TPM)
	assert.Equal(t, int64(1), st.RPM)
}

func TestObserveFailureTransientPenalty(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()

	r.ObserveSuccess(ctx, SuccessEvent{
		Group:      "gpt-4o",
		Deployment: dep("dep-1"),
		StartTime:  testStart,
		EndTime:    testStart.Add(time.Second),
		Usage:      types.Usage{CompletionTokens: 100, TotalTokens: 110},
	})

	r.ObserveFailure(ctx, "gpt-4o", dep("dep-1"),
		llmerrors.FromStatusCode(503, "openai", "gpt-4o-mini", "service unavailable"))

	st := groupState(t, s, "gpt-4o")["dep-1"]
	require.Len(t, st.Latency, 2)
	assert.Equal(t, PenaltyLatency, st.Latency[1])
}

func TestObserveFailureNonTransientNoPenalty(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()

	r.ObserveFailure(ctx, "gpt-4o", dep("dep-1"),
		llmerrors.FromStatusCode(400, "openai", "gpt-4o-mini", "bad request"))

	_, ok, err := s.Get(ctx, store.GroupMapKey("gpt-4o"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActiveCounter(t *testing.T) {
	r, s := newTestRecorder(t)
	ctx := context.Background()
	d := dep("dep-1")

	r.IncrActive(ctx, "gpt-4o", d)
	r.IncrActive(ctx, "gpt-4o", d)
	assert.Equal(t, int64(2), groupState(t, s, "gpt-4o")["dep-1"].Active)

	r.DecrActive(ctx, "gpt-4o", d)
	assert.Equal(t, int64(1), groupState(t, s, "gpt-4o")["dep-1"].Active)

	// Never goes negative even if decrements outnumber increments.
	r.DecrActive(ctx, "gpt-4o", d)
	r.DecrActive(ctx, "gpt-4o", d)
	assert.Equal(t, int64(0), groupState(t, s, "gpt-4o")["dep-1"].Active)
}

func TestGroupStateMissingKey(t *testing.T) {
	r, _ := newTestRecorder(t)
	gs := r.GroupState(context.Background(), "unknown")
	assert.NotNil(t, gs)
	assert.Empty(t, gs)
}
