package selector

import (
	"context"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// LowestUsage selects the deployment with the lowest current-minute token
// usage, spreading load across rate-limited deployments.
type LowestUsage struct {
	rng   *rng
	clock clock.Clock
}

// Name returns the configuration name of this strategy.
func (s *LowestUsage) Name() string { return StrategyLowestUsage }

// Pick selects a deployment.
func (s *LowestUsage) Pick(ctx context.Context, req Request, candidates []*provider.Deployment, state metrics.GroupState) (*provider.Deployment, error) {
	candidates = filterByTags(candidates, req.Tags)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleDeployments
	}

	// Shuffle so ties resolve randomly across picks.
	shuffled := make([]*provider.Deployment, len(candidates))
	copy(shuffled, candidates)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nowKey := clock.MinuteKey(s.clock.Now())

	var best *provider.Deployment
	var bestTPM int64 = -1
	for _, d := range shuffled {
		st := state[d.ID]
		if overCapacity(d, st, nowKey, req.EstimatedInputTokens) {
			continue
		}
		tpm, _ := currentCounters(st, nowKey)
		if bestTPM < 0 || tpm < bestTPM {
			best = d
			bestTPM = tpm
		}
	}
	if best == nil {
		return nil, ErrNoEligibleDeployments
	}
	return best, nil
}
