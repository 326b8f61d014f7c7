// Package secret resolves API key references of the form "scheme://path".
// Deployments carry references instead of raw keys so config files stay
// committable; resolution happens when a config snapshot is built.
package secret

import "context"

// Provider retrieves secrets from one backend.
type Provider interface {
	// Get retrieves the secret value for the given path (the part after
	// "scheme://").
	Get(ctx context.Context, path string) (string, error)

	// Close releases resources held by the provider.
	Close() error
}
