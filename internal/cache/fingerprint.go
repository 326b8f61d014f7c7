package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/lmrelay/lmrelay/pkg/types"
)

// Fingerprinter generates deterministic SHA-256 cache keys from normalized
// request content. Two requests with identical semantic content always map
// to the same key, regardless of how the payload was supplied.
type Fingerprinter struct {
	// Prefix is prepended to all generated keys.
	Prefix string
}

// NewFingerprinter creates a fingerprinter with an optional key prefix.
func NewFingerprinter(prefix string) *Fingerprinter {
	return &Fingerprinter{Prefix: prefix}
}

// ChatKey fingerprints a chat completion request.
func (f *Fingerprinter) ChatKey(req *types.ChatRequest) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "chat|model:%s", req.Model)

	messages, err := json.Marshal(req.Messages)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "|messages:%s", messages)

	if req.Temperature != nil {
		fmt.Fprintf(&sb, "|temp:%.4f", *req.Temperature)
	}
	if req.TopP != nil {
		fmt.Fprintf(&sb, "|top_p:%.4f", *req.TopP)
	}
	if req.MaxTokens > 0 {
		fmt.Fprintf(&sb, "|max_tokens:%d", req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		fmt.Fprintf(&sb, "|tools:%s", req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		fmt.Fprintf(&sb, "|tool_choice:%s", req.ToolChoice)
	}
	writeExtraParams(&sb, req.ExtraParams)

	return f.finish(namespaceOf(req.CacheControl), sb.String()), nil
}

// EmbeddingKey fingerprints an embedding request.
func (f *Fingerprinter) EmbeddingKey(req *types.EmbeddingRequest) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "embedding|model:%s", req.Model)

	inputs, err := json.Marshal(req.Input)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "|input:%s", inputs)

	if req.Dimensions > 0 {
		fmt.Fprintf(&sb, "|dimensions:%d", req.Dimensions)
	}
	writeExtraParams(&sb, req.ExtraParams)

	return f.finish(namespaceOf(req.CacheControl), sb.String()), nil
}

// TranscriptionKey fingerprints a transcription request. The audio component
// hashes the normalized bytes, so a file path, a byte slice, and a reader
// carrying the same content produce identical keys.
func (f *Fingerprinter) TranscriptionKey(req *types.TranscriptionRequest) (string, error) {
	audio, err := req.Audio.Bytes()
	if err != nil {
		return "", err
	}
	audioHash := sha256.Sum256(audio)

	var sb strings.Builder
	fmt.Fprintf(&sb, "transcription|model:%s", req.Model)
	fmt.Fprintf(&sb, "|audio:%s", hex.EncodeToString(audioHash[:]))
	if req.Language != "" {
		fmt.Fprintf(&sb, "|language:%s", req.Language)
	}
	if req.Prompt != "" {
		fmt.Fprintf(&sb, "|prompt:%s", req.Prompt)
	}
	if req.Format != "" {
		fmt.Fprintf(&sb, "|format:%s", req.Format)
	}
	writeExtraParams(&sb, req.ExtraParams)

	return f.finish(namespaceOf(req.CacheControl), sb.String()), nil
}

// ImageKey fingerprints an image generation request.
func (f *Fingerprinter) ImageKey(req *types.ImageRequest) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "image|model:%s|prompt:%s", req.Model, req.Prompt)
	if req.N > 0 {
		fmt.Fprintf(&sb, "|n:%d", req.N)
	}
	if req.Size != "" {
		fmt.Fprintf(&sb, "|size:%s", req.Size)
	}
	if req.Quality != "" {
		fmt.Fprintf(&sb, "|quality:%s", req.Quality)
	}
	writeExtraParams(&sb, req.ExtraParams)

	return f.finish(namespaceOf(req.CacheControl), sb.String()), nil
}

// RerankKey fingerprints a rerank request.
func (f *Fingerprinter) RerankKey(req *types.RerankRequest) (string, error) {
	docs, err := json.Marshal(req.Documents)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "rerank|model:%s|query:%s|documents:%s", req.Model, req.Query, docs)
	if req.TopN > 0 {
		fmt.Fprintf(&sb, "|top_n:%d", req.TopN)
	}
	writeExtraParams(&sb, req.ExtraParams)

	return f.finish(namespaceOf(req.CacheControl), sb.String()), nil
}

// writeExtraParams appends provider-specific params in sorted key order so
// map iteration order never changes the fingerprint.
func writeExtraParams(sb *strings.Builder, extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := json.Marshal(extra[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(sb, "|%s:%s", k, v)
	}
}

func namespaceOf(ctrl *types.CacheControl) string {
	if ctrl == nil {
		return ""
	}
	return ctrl.Namespace
}

func (f *Fingerprinter) finish(namespace, content string) string {
	hash := sha256.Sum256([]byte(content))
	hashHex := hex.EncodeToString(hash[:])

	var key strings.Builder
	if f.Prefix != "" {
		key.WriteString(f.Prefix)
		key.WriteString(":")
	}
	if namespace != "" {
		key.WriteString(namespace)
		key.WriteString(":")
	}
	key.WriteString(hashHex)
	return key.String()
}
