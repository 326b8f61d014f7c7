// Package healthcheck probes deployments in the background and persists
// per-deployment health to the shared store, where the router reads it when
// filtering candidates.
package healthcheck

import (
	"fmt"
	"strings"

	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/types"
)

// ProbeMode resolves the mode a deployment should be probed with. Unset
// defaults to chat.
func ProbeMode(d *provider.Deployment) types.Mode {
	if d.HealthCheckMode != "" {
		return d.HealthCheckMode
	}
	return types.ModeChat
}

// wildcardProbeModels maps provider names to cheap models used to probe
// wildcard deployments ("openai/*"). The first entry is tried first; the rest
// are fallbacks when it fails.
var wildcardProbeModels = map[string][]string{
	"openai":     {"gpt-4o-mini", "gpt-3.5-turbo"},
	"anthropic":  {"claude-3-5-haiku-20241022", "claude-3-haiku-20240307"},
	"groq":       {"llama-3.1-8b-instant"},
	"mistral":    {"mistral-small-latest", "open-mistral-7b"},
	"deepseek":   {"deepseek-chat"},
	"xai":        {"grok-3-mini"},
	"together":   {"meta-llama/Llama-3.3-70B-Instruct-Turbo"},
	"openrouter": {"openai/gpt-4o-mini"},
}

// ProbeModels resolves the candidate models a probe should address, first
// choice first. An explicit health_check_model always wins. Wildcard
// deployments substitute a known cheap model from the provider; a wildcard
// over a provider with no known cheap model still needs health_check_model.
func ProbeModels(d *provider.Deployment) ([]string, error) {
	if d.HealthCheckModel != "" {
		return []string{d.HealthCheckModel}, nil
	}
	if !IsWildcard(d.ModelName) {
		return []string{d.ModelName}, nil
	}
	name := d.ProviderName
	if name == "" {
		name = strings.TrimSuffix(d.ModelName, "/*")
	}
	if models := wildcardProbeModels[name]; len(models) > 0 {
		return models, nil
	}
	return nil, fmt.Errorf("deployment %s: no known probe model for wildcard %q, set health_check_model", d.ID, d.ModelName)
}

// IsWildcard reports whether a model name covers a whole provider namespace.
func IsWildcard(model string) bool {
	return strings.HasSuffix(model, "/*") || model == "*"
}
