// Package provider defines the client interface the router core uses to talk
// to LLM providers. Wire translation (request transforms, auth headers, URL
// assembly) lives behind this interface; the core treats every provider as an
// opaque, cancellation-aware client.
package provider

import (
	"context"
	"time"

	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/types"
)

// Client is implemented once per provider. Implementations must not mutate
// the Deployment they are handed; idempotent artifacts (auth tokens) may be
// cached internally.
type Client interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Complete executes a chat completion against the given deployment.
	Complete(ctx context.Context, d *Deployment, req *types.ChatRequest) (*types.ChatResponse, error)

	// Embed executes an embedding request.
	Embed(ctx context.Context, d *Deployment, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)

	// Transcribe executes an audio transcription request.
	Transcribe(ctx context.Context, d *Deployment, req *types.TranscriptionRequest) (*types.TranscriptionResponse, error)

	// GenerateImage executes an image generation request.
	GenerateImage(ctx context.Context, d *Deployment, req *types.ImageRequest) (*types.ImageResponse, error)

	// Rerank executes a rerank request.
	Rerank(ctx context.Context, d *Deployment, req *types.RerankRequest) (*types.RerankResponse, error)

	// Probe issues a minimal, known-cheap health call for the given mode.
	Probe(ctx context.Context, d *Deployment, mode types.Mode) error

	// ClassifyError maps a provider-specific failure to a standardized
	// LLMError (for example translating a vendor code to 429).
	ClassifyError(err error) *llmerrors.LLMError
}

// Deployment is one concrete provider target behind a model group. It is
// owned by the config layer; the router only holds references and receives an
// atomically swapped snapshot on reload.
type Deployment struct {
	ID           string `json:"id" yaml:"id"`
	Group        string `json:"group" yaml:"group"`
	ProviderName string `json:"provider" yaml:"provider"`
	ModelName    string `json:"model" yaml:"model"`
	BaseURL      string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// APIKeyRef is a secret reference ("env://OPENAI_API_KEY",
	// "vault://secret/data/openai", or a static value). Resolved at snapshot
	// build; the resolved key never serializes.
	APIKeyRef string `json:"-" yaml:"api_key"`
	APIKey    string `json:"-" yaml:"-"`

	// Capacity caps. Zero means unlimited.
	TPMLimit    int64 `json:"tpm,omitempty" yaml:"tpm,omitempty"`
	RPMLimit    int64 `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	MaxParallel int   `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

	// Weight biases weighted simple-shuffle selection. Zero means 1.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`

	// TimeoutSec bounds a single attempt against this deployment.
	TimeoutSec int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// HealthCheckMode selects the probe payload; defaults to chat.
	HealthCheckMode types.Mode `json:"health_check_mode,omitempty" yaml:"health_check_mode,omitempty"`

	// HealthCheckModel overrides the model used for probes. Required when
	// ModelName is a wildcard like "openai/*".
	HealthCheckModel string `json:"health_check_model,omitempty" yaml:"health_check_model,omitempty"`

	// CooldownSec overrides the group cooldown duration. Zero means inherit.
	CooldownSec int `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`

	Tags     []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Timeout returns the per-attempt timeout, or zero when unset.
func (d *Deployment) Timeout() time.Duration {
	if d.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutSec) * time.Second
}

// CooldownOverride returns the deployment-specific cooldown, or zero.
func (d *Deployment) CooldownOverride() time.Duration {
	if d.CooldownSec <= 0 {
		return 0
	}
	return time.Duration(d.CooldownSec) * time.Second
}

// ModelGroup is the logical alias clients address (e.g. "gpt-3.5-turbo"). It
// owns an ordered set of deployments, a selection strategy, and fallbacks.
type ModelGroup struct {
	Name        string        `json:"name" yaml:"name"`
	Deployments []*Deployment `json:"deployments" yaml:"deployments"`
	Strategy    string        `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Fallbacks   []string      `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`

	// DefaultParams are merged into requests that leave them unset.
	DefaultParams map[string]any `json:"default_params,omitempty" yaml:"default_params,omitempty"`
}
