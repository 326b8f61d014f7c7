// Package types defines the unified request and response contract exposed by
// the gateway. Heterogeneous provider payloads are normalized into these
// structures at the edges; the router core only ever sees this shape.
package types

import (
	"github.com/goccy/go-json"
)

// Mode identifies the call type a deployment serves. It drives both request
// dispatch and the payload used by health probes.
type Mode string

const (
	ModeChat               Mode = "chat"
	ModeCompletion         Mode = "completion"
	ModeEmbedding          Mode = "embedding"
	ModeAudioSpeech        Mode = "audio_speech"
	ModeAudioTranscription Mode = "audio_transcription"
	ModeImageGeneration    Mode = "image_generation"
	ModeRerank             Mode = "rerank"
	ModeRealtime           Mode = "realtime"
	ModeBatch              Mode = "batch"
	ModeResponses          Mode = "responses"
	ModeOCR                Mode = "ocr"
)

// ChatMessage is a single message in a chat conversation. Content is kept raw
// so multimodal parts pass through untouched.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall contains the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is the unified chat completion request. Model names a logical
// group; the router resolves it to a concrete deployment.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	User        string          `json:"user,omitempty"`

	// IncludeUsage opts into usage blocks inside streamed responses. The
	// router injects stream_options.include_usage only when this is set.
	IncludeUsage bool `json:"include_usage,omitempty"`

	// DropParams allows providers to silently drop parameters they do not
	// support (for example parallel_tool_calls). When false, unsupported
	// parameters fail fast.
	DropParams bool `json:"drop_params,omitempty"`

	// ExtraParams carries provider-specific pass-through parameters.
	ExtraParams map[string]any `json:"extra_params,omitempty"`

	// CacheControl customizes per-request cache behavior.
	CacheControl *CacheControl `json:"cache,omitempty"`
}

// CacheControl allows per-request cache behavior customization.
type CacheControl struct {
	TTLSeconds int    `json:"ttl,omitempty"`
	Namespace  string `json:"namespace,omitempty"`
	NoCache    bool   `json:"no-cache,omitempty"`
	NoStore    bool   `json:"no-store,omitempty"`
}

// ChatResponse is the unified, OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`

	// HiddenParams carries router-internal response metadata (deployment id,
	// completion start time for TTFT, masked upstream headers). It is not
	// part of the client-facing payload.
	HiddenParams *HiddenParams `json:"-"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage contains token usage statistics for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// HiddenParams holds response metadata the router records but never returns
// to the client verbatim.
type HiddenParams struct {
	DeploymentID string `json:"deployment_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	APIBase      string `json:"api_base,omitempty"`

	// CompletionStartUnixNano is set by streaming transports when the first
	// token is observed; zero when not streaming.
	CompletionStartUnixNano int64 `json:"completion_start,omitempty"`

	// AdditionalHeaders are upstream response headers with secrets masked.
	AdditionalHeaders map[string]string `json:"additional_headers,omitempty"`
}
