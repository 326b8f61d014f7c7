// Package pricing maps models to per-token costs. A price table ships
// embedded; operators can overlay their own file for private or negotiated
// rates. Lookups fall back from "provider/model" to bare "model" so the same
// table serves multi-provider deployments.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/lmrelay/lmrelay/pkg/types"
)

//go:embed data/defaults.json
var defaultPrices []byte

// ModelPrice holds per-token USD costs for one model. Field names follow the
// community price table format so published tables load unchanged.
type ModelPrice struct {
	Provider               string  `json:"litellm_provider"`
	InputCostPerToken      float64 `json:"input_cost_per_token"`
	OutputCostPerToken     float64 `json:"output_cost_per_token"`
	CacheReadCostPerToken  float64 `json:"cache_read_input_token_cost,omitempty"`
	CacheWriteCostPerToken float64 `json:"cache_creation_input_token_cost,omitempty"`
	Mode                   string  `json:"mode"`
}

// Registry is a thread-safe price table.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewRegistry creates a registry preloaded with the embedded defaults.
func NewRegistry() *Registry {
	r := &Registry{prices: make(map[string]ModelPrice)}
	if err := r.loadBytes(defaultPrices); err != nil {
		// Embedded data is fixed at build time; a parse failure here is a
		// build defect, not a runtime condition.
		panic(fmt.Sprintf("pricing: embedded defaults corrupt: %v", err))
	}
	return r
}

// Load overlays prices from a JSON file. Existing entries with the same key
// are replaced.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricing: read %s: %w", path, err)
	}
	return r.loadBytes(data)
}

func (r *Registry) loadBytes(data []byte) error {
	var prices map[string]ModelPrice
	if err := json.Unmarshal(data, &prices); err != nil {
		return fmt.Errorf("pricing: parse table: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range prices {
		r.prices[k] = v
	}
	return nil
}

// GetPrice looks up a model's price, trying "provider/model" before the bare
// model name.
func (r *Registry) GetPrice(model, provider string) (ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.prices[provider+"/"+model]; ok {
		return p, true
	}
	if p, ok := r.prices[model]; ok {
		return p, true
	}
	return ModelPrice{}, false
}

// Cost computes the USD cost of a completed request. Unknown models cost
// zero; spend tracking degrades rather than blocking the request.
func (r *Registry) Cost(model, provider string, usage types.Usage) float64 {
	p, ok := r.GetPrice(model, provider)
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*p.InputCostPerToken +
		float64(usage.CompletionTokens)*p.OutputCostPerToken
}
