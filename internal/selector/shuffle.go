package selector

import (
	"context"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// SimpleShuffle selects randomly, weighted when deployments configure a
// weight or rate limits, uniform otherwise.
type SimpleShuffle struct {
	rng   *rng
	clock clock.Clock
}

// Name returns the configuration name of this strategy.
func (s *SimpleShuffle) Name() string { return StrategySimpleShuffle }

// Pick selects a deployment.
func (s *SimpleShuffle) Pick(ctx context.Context, req Request, candidates []*provider.Deployment, state metrics.GroupState) (*provider.Deployment, error) {
	candidates = filterByTags(candidates, req.Tags)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleDeployments
	}

	nowKey := clock.MinuteKey(s.clock.Now())
	available := make([]*provider.Deployment, 0, len(candidates))
	for _, d := range candidates {
		if overCapacity(d, state[d.ID], nowKey, req.EstimatedInputTokens) {
			continue
		}
		available = append(available, d)
	}
	if len(available) == 0 {
		return nil, ErrNoEligibleDeployments
	}

	// Weighted selection by explicit weight first, then by configured rate
	// limits as a capacity proxy.
	if d := s.weightedPick(available, func(d *provider.Deployment) float64 { return d.Weight }); d != nil {
		return d, nil
	}
	if d := s.weightedPick(available, func(d *provider.Deployment) float64 { return float64(d.RPMLimit) }); d != nil {
		return d, nil
	}
	if d := s.weightedPick(available, func(d *provider.Deployment) float64 { return float64(d.TPMLimit) }); d != nil {
		return d, nil
	}

	return available[s.rng.Intn(len(available))], nil
}

// weightedPick returns nil when no candidate carries a positive weight.
func (s *SimpleShuffle) weightedPick(candidates []*provider.Deployment, weightOf func(*provider.Deployment) float64) *provider.Deployment {
	var total float64
	weights := make([]float64, len(candidates))
	for i, d := range candidates {
		w := weightOf(d)
		if w > 0 {
			weights[i] = w
			total += w
		}
	}
	if total == 0 {
		return nil
	}

	randVal := s.rng.Float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if randVal <= cumulative {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
