// Package httpapi implements provider.Client for OpenAI-compatible HTTP APIs.
// Most hosted providers follow OpenAI's wire format with minor variations;
// this client covers them all through per-provider configuration instead of
// one adapter per vendor.
package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	llmerrors "github.com/lmrelay/lmrelay/pkg/errors"
	"github.com/lmrelay/lmrelay/pkg/provider"
	"github.com/lmrelay/lmrelay/pkg/types"
)

// Config describes one OpenAI-compatible provider surface.
type Config struct {
	// Name is the provider identifier ("openai", "groq", "deepseek").
	Name string

	// BaseURL is the default API root; a deployment's base_url overrides it.
	BaseURL string

	// APIKeyHeader and APIKeyPrefix control auth header placement. Defaults:
	// "Authorization" with "Bearer " prefix.
	APIKeyHeader string
	APIKeyPrefix string

	// Endpoint paths, with OpenAI defaults.
	ChatPath          string
	EmbeddingPath     string
	TranscriptionPath string
	ImagePath         string
	RerankPath        string

	// ExtraHeaders are sent on every request.
	ExtraHeaders map[string]string

	// UnsupportedParams lists wire parameters this provider rejects. They are
	// stripped from requests that set DropParams; requests that do not set it
	// pass them through and surface the provider's error.
	UnsupportedParams []string

	// HTTPClient overrides the transport; nil uses a client with a sane
	// default timeout. Per-attempt deadlines come from the request context.
	HTTPClient *http.Client
}

// Client talks to one provider family. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client. Missing config fields get OpenAI-compatible defaults.
func New(cfg Config) *Client {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "Authorization"
		if cfg.APIKeyPrefix == "" {
			cfg.APIKeyPrefix = "Bearer "
		}
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/chat/completions"
	}
	if cfg.EmbeddingPath == "" {
		cfg.EmbeddingPath = "/embeddings"
	}
	if cfg.TranscriptionPath == "" {
		cfg.TranscriptionPath = "/audio/transcriptions"
	}
	if cfg.ImagePath == "" {
		cfg.ImagePath = "/images/generations"
	}
	if cfg.RerankPath == "" {
		cfg.RerankPath = "/rerank"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// OpenAI returns a client for api.openai.com.
func OpenAI() *Client {
	return New(Config{Name: "openai", BaseURL: "https://api.openai.com/v1"})
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.cfg.Name }

// Complete executes a chat completion.
func (c *Client) Complete(ctx context.Context, d *provider.Deployment, req *types.ChatRequest) (*types.ChatResponse, error) {
	payload, err := chatPayload(req, c.resolveModel(d, req.Model))
	if err != nil {
		return nil, err
	}
	if req.DropParams {
		for _, k := range c.cfg.UnsupportedParams {
			delete(payload, k)
		}
	}

	var out types.ChatResponse
	headers, err := c.postJSON(ctx, d, c.cfg.ChatPath, payload, &out)
	if err != nil {
		return nil, err
	}
	out.HiddenParams = c.hiddenParams(d, headers)
	return &out, nil
}

// Embed executes an embedding request.
func (c *Client) Embed(ctx context.Context, d *provider.Deployment, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	payload := map[string]any{
		"model": c.resolveModel(d, req.Model),
		"input": req.Input,
	}
	if req.Dimensions > 0 {
		payload["dimensions"] = req.Dimensions
	}
	if req.User != "" {
		payload["user"] = req.User
	}
	mergeExtra(payload, req.ExtraParams)

	var out types.EmbeddingResponse
	headers, err := c.postJSON(ctx, d, c.cfg.EmbeddingPath, payload, &out)
	if err != nil {
		return nil, err
	}
	out.HiddenParams = c.hiddenParams(d, headers)
	return &out, nil
}

// Transcribe executes an audio transcription request as multipart form data.
func (c *Client) Transcribe(ctx context.Context, d *provider.Deployment, req *types.TranscriptionRequest) (*types.TranscriptionResponse, error) {
	audio, err := req.Audio.Bytes()
	if err != nil {
		return nil, llmerrors.New(llmerrors.KindBadRequest, http.StatusBadRequest, c.cfg.Name, req.Model, err.Error())
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	filename := req.Audio.Name()
	if filename == "" {
		filename = "audio"
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	fields := map[string]string{
		"model":           c.resolveModel(d, req.Model),
		"language":        req.Language,
		"prompt":          req.Prompt,
		"response_format": req.Format,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("build multipart: %w", err)
		}
	}
	for k, v := range req.ExtraParams {
		if err := w.WriteField(k, fmt.Sprintf("%v", v)); err != nil {
			return nil, fmt.Errorf("build multipart: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}

	httpReq, err := c.newRequest(ctx, d, c.cfg.TranscriptionPath, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var out types.TranscriptionResponse
	headers, err := c.do(httpReq, d, &out)
	if err != nil {
		return nil, err
	}
	out.HiddenParams = c.hiddenParams(d, headers)
	return &out, nil
}

// GenerateImage executes an image generation request.
func (c *Client) GenerateImage(ctx context.Context, d *provider.Deployment, req *types.ImageRequest) (*types.ImageResponse, error) {
	payload := map[string]any{
		"model":  c.resolveModel(d, req.Model),
		"prompt": req.Prompt,
	}
	if req.N > 0 {
		payload["n"] = req.N
	}
	if req.Size != "" {
		payload["size"] = req.Size
	}
	if req.Quality != "" {
		payload["quality"] = req.Quality
	}
	mergeExtra(payload, req.ExtraParams)

	var out types.ImageResponse
	headers, err := c.postJSON(ctx, d, c.cfg.ImagePath, payload, &out)
	if err != nil {
		return nil, err
	}
	out.HiddenParams = c.hiddenParams(d, headers)
	return &out, nil
}

// Rerank executes a rerank request.
func (c *Client) Rerank(ctx context.Context, d *provider.Deployment, req *types.RerankRequest) (*types.RerankResponse, error) {
	payload := map[string]any{
		"model":     c.resolveModel(d, req.Model),
		"query":     req.Query,
		"documents": req.Documents,
	}
	if req.TopN > 0 {
		payload["top_n"] = req.TopN
	}
	mergeExtra(payload, req.ExtraParams)

	var out types.RerankResponse
	headers, err := c.postJSON(ctx, d, c.cfg.RerankPath, payload, &out)
	if err != nil {
		return nil, err
	}
	out.HiddenParams = c.hiddenParams(d, headers)
	return &out, nil
}

// Probe issues the cheapest request the mode allows.
func (c *Client) Probe(ctx context.Context, d *provider.Deployment, mode types.Mode) error {
	model := c.probeModel(d)
	switch mode {
	case types.ModeEmbedding:
		_, err := c.Embed(ctx, d, &types.EmbeddingRequest{Model: model, Input: []string{"ping"}})
		return err
	default:
		_, err := c.Complete(ctx, d, &types.ChatRequest{
			Model:     model,
			Messages:  []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"ping"`)}},
			MaxTokens: 1,
		})
		return err
	}
}

// ClassifyError maps transport failures to the unified error type. HTTP
// errors are already classified by do; everything else counts as a
// connection error.
func (c *Client) ClassifyError(err error) *llmerrors.LLMError {
	if le := llmerrors.AsLLMError(err); le != nil {
		return le
	}
	if err == nil {
		return nil
	}
	return llmerrors.NewConnectionError(c.cfg.Name, "", err.Error())
}

// chatPayload converts the unified request into the provider wire form:
// router-internal fields stripped, extra params flattened in.
func chatPayload(req *types.ChatRequest, model string) (map[string]any, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("rebuild chat request: %w", err)
	}
	delete(payload, "extra_params")
	delete(payload, "cache")
	delete(payload, "include_usage")
	delete(payload, "drop_params")
	payload["model"] = model
	if req.Stream && req.IncludeUsage {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	mergeExtra(payload, req.ExtraParams)
	return payload, nil
}

func mergeExtra(payload map[string]any, extra map[string]any) {
	for k, v := range extra {
		payload[k] = v
	}
}

// resolveModel picks the wire-level model name. Wildcard deployments pass the
// requested model through; everything else pins the deployment's model. A
// "provider/" prefix used for routing is stripped either way.
func (c *Client) resolveModel(d *provider.Deployment, requested string) string {
	model := d.ModelName
	if strings.HasSuffix(model, "/*") || model == "*" {
		model = requested
	}
	if idx := strings.Index(model, "/"); idx != -1 {
		if model[:idx] == c.cfg.Name {
			model = model[idx+1:]
		}
	}
	return model
}

func (c *Client) probeModel(d *provider.Deployment) string {
	if d.HealthCheckModel != "" {
		return d.HealthCheckModel
	}
	return d.ModelName
}

func (c *Client) baseURL(d *provider.Deployment) string {
	base := c.cfg.BaseURL
	if d.BaseURL != "" {
		base = d.BaseURL
	}
	return strings.TrimSuffix(base, "/")
}

func (c *Client) newRequest(ctx context.Context, d *provider.Deployment, path string, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(d)+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKeyPrefix+d.APIKey)
	for k, v := range c.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (c *Client) postJSON(ctx context.Context, d *provider.Deployment, path string, payload any, out any) (http.Header, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, d, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, d, out)
}

func (c *Client) do(httpReq *http.Request, d *provider.Deployment, out any) (http.Header, error) {
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := httpReq.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, llmerrors.NewConnectionError(c.cfg.Name, d.ModelName, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llmerrors.NewConnectionError(c.cfg.Name, d.ModelName, err.Error())
	}
	if resp.StatusCode >= 400 {
		return nil, c.errorFrom(resp, body, d)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, llmerrors.New(llmerrors.KindInternal, http.StatusBadGateway, c.cfg.Name, d.ModelName,
			fmt.Sprintf("decode response: %v", err))
	}
	return resp.Header, nil
}

// errorFrom maps an upstream error response, carrying the Retry-After hint
// through on 429 so the engine can honor it.
func (c *Client) errorFrom(resp *http.Response, body []byte, d *provider.Deployment) *llmerrors.LLMError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	le := llmerrors.FromStatusCode(resp.StatusCode, c.cfg.Name, d.ModelName, message)
	le.DeploymentID = d.ID
	if resp.StatusCode == http.StatusTooManyRequests {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				le.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return le
}

func (c *Client) hiddenParams(d *provider.Deployment, headers http.Header) *types.HiddenParams {
	hp := &types.HiddenParams{
		DeploymentID: d.ID,
		Provider:     c.cfg.Name,
		APIBase:      c.baseURL(d),
	}
	masked := make(map[string]string)
	for _, h := range []string{"x-request-id", "x-ratelimit-remaining-requests", "x-ratelimit-remaining-tokens"} {
		if v := headers.Get(h); v != "" {
			masked[h] = v
		}
	}
	if len(masked) > 0 {
		hp.AdditionalHeaders = masked
	}
	return hp
}
