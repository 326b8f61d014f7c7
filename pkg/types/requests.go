package types

// EmbeddingRequest is the unified embedding request. Input accepts a single
// string or a list of strings.
type EmbeddingRequest struct {
	Model        string         `json:"model"`
	Input        []string       `json:"input"`
	Dimensions   int            `json:"dimensions,omitempty"`
	User         string         `json:"user,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
	CacheControl *CacheControl  `json:"cache,omitempty"`
}

// EmbeddingResponse is the unified embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []EmbeddingData `json:"data"`
	Usage  *Usage          `json:"usage,omitempty"`

	HiddenParams *HiddenParams `json:"-"`
}

// EmbeddingData is a single embedding vector.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// TranscriptionRequest is the unified audio transcription request. Audio is a
// tagged variant normalized once at ingress, so a file path, raw bytes, and a
// reader with identical content behave identically downstream.
type TranscriptionRequest struct {
	Model        string         `json:"model"`
	Audio        AudioInput     `json:"-"`
	Language     string         `json:"language,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Format       string         `json:"response_format,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
	CacheControl *CacheControl  `json:"cache,omitempty"`
}

// TranscriptionResponse is the unified transcription response.
type TranscriptionResponse struct {
	Text  string `json:"text"`
	Usage *Usage `json:"usage,omitempty"`

	HiddenParams *HiddenParams `json:"-"`
}

// ImageRequest is the unified image generation request.
type ImageRequest struct {
	Model        string         `json:"model"`
	Prompt       string         `json:"prompt"`
	N            int            `json:"n,omitempty"`
	Size         string         `json:"size,omitempty"`
	Quality      string         `json:"quality,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
	CacheControl *CacheControl  `json:"cache,omitempty"`
}

// ImageResponse is the unified image generation response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`

	HiddenParams *HiddenParams `json:"-"`
}

// ImageData is a single generated image, returned either as a URL or base64.
type ImageData struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// RerankRequest is the unified rerank request.
type RerankRequest struct {
	Model        string         `json:"model"`
	Query        string         `json:"query"`
	Documents    []string       `json:"documents"`
	TopN         int            `json:"top_n,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
	CacheControl *CacheControl  `json:"cache,omitempty"`
}

// RerankResponse is the unified rerank response.
type RerankResponse struct {
	Results []RerankResult `json:"results"`
	Usage   *Usage         `json:"usage,omitempty"`

	HiddenParams *HiddenParams `json:"-"`
}

// RerankResult scores one document against the query.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}
