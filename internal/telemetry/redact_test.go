package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"short", "abc", "****"},
		{"exact four", "abcd", "****"},
		{"typical key", "sk-proj-1234567890abcdef", "****cdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskKey(tt.in))
		})
	}
}

func TestRedactParams(t *testing.T) {
	in := map[string]any{
		"api_key":     "sk-1234567890",
		"temperature": 0.7,
		"nested": map[string]any{
			"auth_token": "tok-abcdef",
			"model":      "gpt-4o",
		},
	}

	out := RedactParams(in)
	assert.Equal(t, "****7890", out["api_key"])
	assert.Equal(t, 0.7, out["temperature"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, "****cdef", nested["auth_token"])
	assert.Equal(t, "gpt-4o", nested["model"])

	// Input untouched.
	assert.Equal(t, "sk-1234567890", in["api_key"])
}

func TestRedactHeaders(t *testing.T) {
	in := map[string]string{
		"Authorization":     "Bearer sk-1234567890",
		"X-Api-Key":         "key-abcdef",
		"X-Request-Id":      "req-1",
		"X-Ratelimit-Reset": "60",
	}

	out := RedactHeaders(in)
	assert.Equal(t, "****7890", out["Authorization"])
	assert.Equal(t, "****cdef", out["X-Api-Key"])
	assert.Equal(t, "req-1", out["X-Request-Id"])
	assert.Equal(t, "60", out["X-Ratelimit-Reset"])
}

func TestScrubMessages(t *testing.T) {
	p := &Payload{
		Messages: []string{"hello"},
		Response: "world",
		Metadata: map[string]any{"keep": true},
	}
	ScrubMessages(p)
	assert.Equal(t, RedactedMessage, p.Messages)
	assert.Equal(t, RedactedMessage, p.Response)
	assert.Equal(t, map[string]any{"keep": true}, p.Metadata)

	// Absent content stays absent rather than becoming a marker.
	empty := &Payload{}
	ScrubMessages(empty)
	assert.Nil(t, empty.Messages)
	assert.Nil(t, empty.Response)
}
