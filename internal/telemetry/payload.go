// Package telemetry emits per-request logging payloads to registered
// observers. Synchronous observers run inline in registration order; async
// observers receive events through a single ordered dispatch queue.
package telemetry

import (
	"time"
)

// CallType identifies the kind of LLM call a payload describes.
type CallType string

const (
	CallTypeChatCompletion CallType = "chat_completion"
	CallTypeEmbedding      CallType = "embedding"
	CallTypeTranscription  CallType = "audio_transcription"
	CallTypeImageGen       CallType = "image_generation"
	CallTypeRerank         CallType = "rerank"
)

// Status marks where in the request lifecycle a payload was emitted.
type Status string

const (
	StatusPreCall Status = "pre_call"
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Payload is the unified logging record emitted once per request. Field
// naming follows the common standard logging payload layout so downstream
// consumers built for it keep working.
type Payload struct {
	ID      string `json:"id"`
	TraceID string `json:"trace_id"`

	CallType CallType `json:"call_type"`
	Status   Status   `json:"status"`

	// RequestedModel is the logical group the client asked for; Model is the
	// concrete model that served it.
	RequestedModel string `json:"requested_model"`
	Model          string `json:"model"`
	DeploymentID   string `json:"model_id,omitempty"`
	ModelGroup     string `json:"model_group,omitempty"`

	APIBase     string `json:"api_base"`
	APIProvider string `json:"api_provider"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	ResponseCost   float64 `json:"response_cost"`
	SavedCacheCost float64 `json:"saved_cache_cost,omitempty"`

	StartTime           time.Time  `json:"startTime"`
	EndTime             time.Time  `json:"endTime"`
	CompletionStartTime *time.Time `json:"completionStartTime,omitempty"`

	User    string `json:"user,omitempty"`
	EndUser string `json:"end_user,omitempty"`

	// Messages and Response are scrubbed when message logging is off.
	Messages any `json:"messages,omitempty"`
	Response any `json:"response,omitempty"`

	ModelParameters map[string]any `json:"model_parameters,omitempty"`

	// HiddenParams carries router metadata: masked API key, additional
	// upstream headers, cache key.
	HiddenParams map[string]any `json:"hidden_params,omitempty"`

	ErrorStr       string `json:"error_str,omitempty"`
	ExceptionClass string `json:"exception_class,omitempty"`

	CacheHit bool   `json:"cache_hit"`
	CacheKey string `json:"cache_key,omitempty"`

	RequestTags []string       `json:"request_tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Latency returns the end-to-end duration.
func (p *Payload) Latency() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

// TTFT returns the time to first token, or zero when not observed.
func (p *Payload) TTFT() time.Duration {
	if p.CompletionStartTime == nil {
		return 0
	}
	return p.CompletionStartTime.Sub(p.StartTime)
}
