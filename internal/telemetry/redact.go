package telemetry

import (
	"strings"
)

// RedactedMessage replaces logged message and response content when message
// logging is turned off. The literal is kept stable because downstream log
// pipelines filter on it.
const RedactedMessage = "redacted-by-litellm"

// MaskKey masks a credential down to its last four characters.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// ScrubMessages removes message and response content from the payload,
// leaving usage and timing intact.
func ScrubMessages(p *Payload) {
	if p.Messages != nil {
		p.Messages = RedactedMessage
	}
	if p.Response != nil {
		p.Response = RedactedMessage
	}
}

// sensitiveKeyFragments flag map keys whose values must never be logged.
var sensitiveKeyFragments = []string{
	"key", "token", "secret", "password", "auth", "credential",
}

// RedactParams returns a copy of params with sensitive values masked.
func RedactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			if s, ok := v.(string); ok {
				out[k] = MaskKey(s)
			} else {
				out[k] = "****"
			}
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactParams(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactHeaders masks sensitive HTTP headers before they land in
// hidden_params.additional_headers.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitiveHeader(k) {
			out[k] = MaskKey(v)
		} else {
			out[k] = v
		}
	}
	return out
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "x-api-key", "api-key", "x-auth-token", "cookie", "set-cookie":
		return true
	}
	return false
}
