package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/store"
	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/types"
)

const (
	// DefaultMaxLatencyListSize bounds the rolling latency and TTFT windows.
	DefaultMaxLatencyListSize = 10

	// DefaultMinTokensForLatency is the minimum completion token count for
	// per-token normalization. Below it raw response seconds are recorded.
	DefaultMinTokensForLatency = 5

	// DefaultMaxLatencySecondsPerToken clamps recorded per-token latency.
	DefaultMaxLatencySecondsPerToken = 60.0

	// DefaultMaxTTFTSeconds clamps recorded time-to-first-token.
	DefaultMaxTTFTSeconds = 60.0

	// PenaltyLatency is appended on transient failures so the selector backs
	// off a bad deployment before cooldown takes effect.
	PenaltyLatency = 1000.0

	// groupStateTTL keeps idle group state from accumulating forever. Rolling
	// windows older than this have no routing value anyway.
	groupStateTTL = time.Hour
)

// Config tunes the recorder. Zero values take the defaults above.
type Config struct {
	MaxLatencyListSize        int
	MinTokensForLatency       int
	MaxLatencySecondsPerToken float64
	MaxTTFTSeconds            float64
}

func (c Config) withDefaults() Config {
	if c.MaxLatencyListSize <= 0 {
		c.MaxLatencyListSize = DefaultMaxLatencyListSize
	}
	if c.MinTokensForLatency <= 0 {
		c.MinTokensForLatency = DefaultMinTokensForLatency
	}
	if c.MaxLatencySecondsPerToken <= 0 {
		c.MaxLatencySecondsPerToken = DefaultMaxLatencySecondsPerToken
	}
	if c.MaxTTFTSeconds <= 0 {
		c.MaxTTFTSeconds = DefaultMaxTTFTSeconds
	}
	return c
}

// SuccessEvent describes one completed provider call.
type SuccessEvent struct {
	Group      string
	Deployment *provider.Deployment

	StartTime time.Time
	EndTime   time.Time

	// CompletionStart is when the first streamed token arrived; zero when the
	// call was not streaming or no token was observed.
	CompletionStart time.Time

	Streaming  bool
	StatusCode int
	Usage      types.Usage
}

// Recorder folds per-request observations into the shared per-group
// deployment state and the Prometheus vectors. State updates run inside a
// single atomic store update so concurrent gateway instances never lose
// samples to interleaving.
type Recorder struct {
	store  store.Store
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger
}

// NewRecorder creates a metrics recorder.
func NewRecorder(s store.Store, clk clock.Clock, cfg Config, logger *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, clock: clk, cfg: cfg.withDefaults(), logger: logger}
}

// ObserveSuccess records a successful call: rolling latency and TTFT windows
// plus the current minute-bucket token and request counters.
func (r *Recorder) ObserveSuccess(ctx context.Context, ev SuccessEvent) {
	d := ev.Deployment
	if d == nil {
		return
	}

	responseSeconds := ev.EndTime.Sub(ev.StartTime).Seconds()
	if responseSeconds < 0 {
		responseSeconds = 0
	}

	perTokenLatency := responseSeconds
	if ev.Usage.CompletionTokens >= r.cfg.MinTokensForLatency {
		perTokenLatency = responseSeconds / float64(ev.Usage.CompletionTokens)
	}
	perTokenLatency = clamp(perTokenLatency, r.cfg.MaxLatencySecondsPerToken)

	ttftSeconds := -1.0
	if ev.Streaming && !ev.CompletionStart.IsZero() {
		ttftSeconds = clamp(ev.CompletionStart.Sub(ev.StartTime).Seconds(), r.cfg.MaxTTFTSeconds)
	}

	minuteKey := clock.MinuteKey(ev.StartTime)
	totalTokens := int64(ev.Usage.TotalTokens)
	if totalTokens == 0 {
		totalTokens = int64(ev.Usage.PromptTokens + ev.Usage.CompletionTokens)
	}

	err := r.store.Update(ctx, store.GroupMapKey(ev.Group), groupStateTTL, func(current []byte) ([]byte, error) {
		gs := DecodeGroupState(current)
		st := gs.Ensure(d.ID)

		st.Latency = appendBounded(st.Latency, perTokenLatency, r.cfg.MaxLatencyListSize)
		if ttftSeconds >= 0 {
			st.TTFT = appendBounded(st.TTFT, ttftSeconds, r.cfg.MaxLatencyListSize)
		}

		if st.MinuteKey != minuteKey {
			st.MinuteKey = minuteKey
			st.TPM = 0
			st.RPM = 0
		}
		st.TPM += totalTokens
		st.RPM++

		return gs.Encode()
	})
	if err != nil {
		// Best effort: a conflicted or unreachable store loses one sample,
		// never the request.
		r.logger.Warn("success metrics dropped",
			"group", ev.Group, "deployment_id", d.ID, "error", err)
	}

	status := ev.StatusCode
	if status == 0 {
		status = 200
	}
	TotalRequests.WithLabelValues(d.ModelName, ev.Group, d.ProviderName, strconv.Itoa(status)).Inc()
	DeploymentSuccessResponses.WithLabelValues(d.ID, d.ModelName, ev.Group, d.ProviderName, d.BaseURL).Inc()
	RequestTotalLatency.WithLabelValues(d.ModelName, ev.Group, d.ProviderName).Observe(responseSeconds)
	LatencyPerOutputToken.WithLabelValues(d.ModelName, ev.Group, d.ProviderName).Observe(perTokenLatency)
	if ttftSeconds >= 0 {
		TimeToFirstToken.WithLabelValues(d.ModelName, ev.Group, d.ProviderName, d.BaseURL).Observe(ttftSeconds)
	}
	TotalTokens.WithLabelValues(d.ModelName, ev.Group, d.ProviderName).Add(float64(totalTokens))
	InputTokens.WithLabelValues(d.ModelName, ev.Group, d.ProviderName).Add(float64(ev.Usage.PromptTokens))
	OutputTokens.WithLabelValues(d.ModelName, ev.Group, d.ProviderName).Add(float64(ev.Usage.CompletionTokens))
}

// ObserveFailure records a failed call. Transient failures append a latency
// penalty so the selector steers away; non-transient failures only count.
func (r *Recorder) ObserveFailure(ctx context.Context, group string, d *provider.Deployment, callErr error) {
	if d == nil {
		return
	}

	status := "0"
	if lerr := llmerrors.AsLLMError(callErr); lerr != nil && lerr.StatusCode != 0 {
		status = strconv.Itoa(lerr.StatusCode)
	}
	DeploymentFailureResponses.WithLabelValues(d.ID, d.ModelName, group, d.ProviderName, d.BaseURL, status).Inc()
	FailedRequests.WithLabelValues(d.ModelName, group, d.ProviderName, status, string(llmerrors.KindOf(callErr))).Inc()

	if !llmerrors.IsTransient(callErr) {
		return
	}

	err := r.store.Update(ctx, store.GroupMapKey(group), groupStateTTL, func(current []byte) ([]byte, error) {
		gs := DecodeGroupState(current)
		st := gs.Ensure(d.ID)
		st.Latency = appendBounded(st.Latency, PenaltyLatency, r.cfg.MaxLatencyListSize)
		return gs.Encode()
	})
	if err != nil {
		r.logger.Warn("failure penalty dropped",
			"group", group, "deployment_id", d.ID, "error", err)
	}
}

// IncrActive bumps the in-flight counter used by least-busy selection.
func (r *Recorder) IncrActive(ctx context.Context, group string, d *provider.Deployment) {
	r.adjustActive(ctx, group, d, 1)
	ActiveRequests.WithLabelValues(d.ID, d.ModelName, d.ProviderName).Inc()
}

// DecrActive releases the in-flight counter.
func (r *Recorder) DecrActive(ctx context.Context, group string, d *provider.Deployment) {
	r.adjustActive(ctx, group, d, -1)
	ActiveRequests.WithLabelValues(d.ID, d.ModelName, d.ProviderName).Dec()
}

func (r *Recorder) adjustActive(ctx context.Context, group string, d *provider.Deployment, delta int64) {
	err := r.store.Update(ctx, store.GroupMapKey(group), groupStateTTL, func(current []byte) ([]byte, error) {
		gs := DecodeGroupState(current)
		st := gs.Ensure(d.ID)
		st.Active += delta
		if st.Active < 0 {
			st.Active = 0
		}
		return gs.Encode()
	})
	if err != nil {
		r.logger.Warn("active counter update dropped",
			"group", group, "deployment_id", d.ID, "error", err)
	}
}

// GroupState loads the current state map for a group. Missing keys and store
// errors yield an empty map; selection must not fail because metrics did.
func (r *Recorder) GroupState(ctx context.Context, group string) GroupState {
	data, ok, err := r.store.Get(ctx, store.GroupMapKey(group))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("group state read failed", "group", group, "error", err)
		}
		return GroupState{}
	}
	if !ok {
		return GroupState{}
	}
	return DecodeGroupState(data)
}

func clamp(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
