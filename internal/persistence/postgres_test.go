package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullableString(t *testing.T) {
	assert.False(t, nullable("").Valid)

	ns := nullable("user-1")
	assert.True(t, ns.Valid)
	assert.Equal(t, "user-1", ns.String)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "lmrelay", cfg.Database)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Positive(t, cfg.MaxOpenConns)
}
