package selector

import (
	"context"
	"math"
	"sort"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// LowestLatency selects by recorded latency. Streaming requests score on
// TTFT when samples exist, with total latency as the tie breaker; otherwise
// the roles swap. Candidates within buffer*lowest of the lowest score stay
// eligible and one is picked uniformly at random.
type LowestLatency struct {
	rng    *rng
	buffer float64
	clock  clock.Clock
}

// Name returns the configuration name of this strategy.
func (s *LowestLatency) Name() string { return StrategyLowestLatency }

type scoredDeployment struct {
	deployment *provider.Deployment
	primary    float64
	secondary  float64
}

// Pick selects a deployment.
func (s *LowestLatency) Pick(ctx context.Context, req Request, candidates []*provider.Deployment, state metrics.GroupState) (*provider.Deployment, error) {
	candidates = filterByTags(candidates, req.Tags)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleDeployments
	}

	nowKey := clock.MinuteKey(s.clock.Now())

	scored := make([]scoredDeployment, 0, len(candidates))
	for _, d := range candidates {
		st, known := state[d.ID]
		if !known {
			// Cold deployment: a single zero-latency sample lets it compete
			// for traffic immediately.
			st = &metrics.DeploymentState{Latency: []float64{0}}
		}

		if overCapacity(d, st, nowKey, req.EstimatedInputTokens) {
			continue
		}

		latencyScore := medianOrInf(st.Latency)
		ttftScore := medianOrInf(st.TTFT)

		primary, secondary := latencyScore, ttftScore
		if req.Streaming && len(st.TTFT) > 0 {
			primary, secondary = ttftScore, latencyScore
		}

		scored = append(scored, scoredDeployment{deployment: d, primary: primary, secondary: secondary})
	}
	if len(scored) == 0 {
		return nil, ErrNoEligibleDeployments
	}

	// Shuffle before the stable sort so equal scores resolve randomly.
	s.rng.Shuffle(len(scored), func(i, j int) {
		scored[i], scored[j] = scored[j], scored[i]
	})
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].primary != scored[j].primary {
			return scored[i].primary < scored[j].primary
		}
		return scored[i].secondary < scored[j].secondary
	})

	lowest := scored[0].primary
	threshold := lowest + s.buffer*lowest

	eligible := scored[:0]
	for _, c := range scored {
		if c.primary <= threshold {
			eligible = append(eligible, c)
		}
	}
	// +Inf lowest makes the threshold NaN-prone; fall back to the full
	// sorted list rather than failing the request.
	if len(eligible) == 0 {
		eligible = scored
	}

	return eligible[s.rng.Intn(len(eligible))].deployment, nil
}

// medianOrInf scores a rolling window: median of the samples, mean if the
// median cannot be computed, +Inf when the window is empty so deployments
// with real samples win.
func medianOrInf(window []float64) float64 {
	if len(window) == 0 {
		return math.Inf(1)
	}
	sorted := make([]float64, len(window))
	copy(sorted, window)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	var median float64
	if len(sorted)%2 == 1 {
		median = sorted[mid]
	} else {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}
	if math.IsNaN(median) {
		return mean(sorted)
	}
	return median
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.Inf(1)
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
