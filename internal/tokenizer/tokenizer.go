// Package tokenizer estimates token counts for incoming requests. The
// estimates feed the selector's per-minute token budget filter, so they favor
// being cheap and slightly high over being exact.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/lmrelay/lmrelay/pkg/types"
)

const (
	// perMessageOverhead covers the role and framing tokens chat formats
	// wrap around each message.
	perMessageOverhead = 4

	// replyPrimerOverhead accounts for the assistant reply primer appended
	// after the last message.
	replyPrimerOverhead = 3

	// fallbackEncoding is used for models tiktoken does not recognize.
	fallbackEncoding = "cl100k_base"
)

var encoders = struct {
	sync.Mutex
	byModel map[string]*tiktoken.Tiktoken
}{byModel: make(map[string]*tiktoken.Tiktoken)}

// Count returns the token count of text for the given model. When no encoding
// can be loaded at all, a bytes/4 heuristic stands in.
func Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimatePrompt estimates the prompt tokens a chat request will consume,
// including tool definitions and per-message formatting overhead.
func EstimatePrompt(model string, req *types.ChatRequest) int {
	if req == nil {
		return 0
	}
	total := replyPrimerOverhead
	for i := range req.Messages {
		total += messageTokens(model, &req.Messages[i])
	}
	total += Count(model, string(req.Tools))
	total += Count(model, string(req.ToolChoice))
	return total
}

// EstimateEmbedding estimates the input tokens of an embedding request.
func EstimateEmbedding(model string, req *types.EmbeddingRequest) int {
	if req == nil {
		return 0
	}
	total := 0
	for _, input := range req.Input {
		total += Count(model, input)
	}
	return total
}

func messageTokens(model string, msg *types.ChatMessage) int {
	total := perMessageOverhead
	total += Count(model, msg.Name)
	total += Count(model, contentText(msg.Content))
	total += Count(model, msg.ToolCallID)
	for _, call := range msg.ToolCalls {
		total += Count(model, call.Function.Name)
		total += Count(model, call.Function.Arguments)
	}
	return total
}

// contentText flattens a chat message content field, which is either a plain
// string or an array of typed parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return string(raw)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// encoderFor resolves the tiktoken encoding for a model, caching per base
// model name. Provider prefixes ("openai/gpt-4o") are stripped before lookup.
func encoderFor(model string) *tiktoken.Tiktoken {
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}

	encoders.Lock()
	defer encoders.Unlock()

	if enc, ok := encoders.byModel[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, _ = tiktoken.GetEncoding(fallbackEncoding)
	}
	encoders.byModel[model] = enc
	return enc
}
