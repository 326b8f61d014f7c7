// Package env reads secrets from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Provider resolves "env://NAME" references.
type Provider struct{}

// New creates the env provider.
func New() *Provider { return &Provider{} }

// Get returns the value of the named environment variable. Unset variables
// are errors; an empty-but-set variable is returned as-is.
func (p *Provider) Get(ctx context.Context, name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return val, nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }
