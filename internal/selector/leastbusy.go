package selector

import (
	"context"

	"github.com/lmrelay/lmrelay/internal/clock"
	"github.com/lmrelay/lmrelay/internal/metrics"
	"github.com/lmrelay/lmrelay/pkg/provider"
)

// LeastBusy selects the deployment with the fewest in-flight requests.
type LeastBusy struct {
	rng   *rng
	clock clock.Clock
}

// Name returns the configuration name of this strategy.
func (s *LeastBusy) Name() string { return StrategyLeastBusy }

// Pick selects a deployment.
func (s *LeastBusy) Pick(ctx context.Context, req Request, candidates []*provider.Deployment, state metrics.GroupState) (*provider.Deployment, error) {
	candidates = filterByTags(candidates, req.Tags)
	if len(candidates) == 0 {
		return nil, ErrNoEligibleDeployments
	}

	shuffled := make([]*provider.Deployment, len(candidates))
	copy(shuffled, candidates)
	s.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nowKey := clock.MinuteKey(s.clock.Now())

	var best *provider.Deployment
	var bestActive int64 = -1
	for _, d := range shuffled {
		st := state[d.ID]
		if overCapacity(d, st, nowKey, req.EstimatedInputTokens) {
			continue
		}
		var active int64
		if st != nil {
			active = st.Active
		}
		if bestActive < 0 || active < bestActive {
			best = d
			bestActive = active
		}
	}
	if best == nil {
		return nil, ErrNoEligibleDeployments
	}
	return best, nil
}
