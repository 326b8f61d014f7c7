package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lmrelay/lmrelay/pkg/provider"
)

const schemeSeparator = "://"

// Manager routes secret references to registered providers by scheme. A
// reference without a scheme is treated as a static value and returned as-is.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates an empty manager. Register at least the env provider
// before resolving deployments.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register adds a provider for a scheme ("env", "vault").
func (m *Manager) Register(scheme string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = p
}

// Resolve materializes a secret reference into its value.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, schemeSeparator)
	if !ok {
		return ref, nil
	}

	m.mu.RLock()
	p, registered := m.providers[scheme]
	m.mu.RUnlock()
	if !registered {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}
	return p.Get(ctx, path)
}

// ResolveDeployments fills in APIKey for every deployment from its APIKeyRef.
// A failing reference is an error: a deployment that would silently run
// without credentials is worse than a failed reload.
func (m *Manager) ResolveDeployments(ctx context.Context, deployments []*provider.Deployment) error {
	for _, d := range deployments {
		if d.APIKeyRef == "" {
			continue
		}
		key, err := m.Resolve(ctx, d.APIKeyRef)
		if err != nil {
			return fmt.Errorf("deployment %s: resolve api key: %w", d.ID, err)
		}
		d.APIKey = key
	}
	return nil
}

// Close closes all registered providers, returning the first error.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var firstErr error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s provider: %w", scheme, err)
		}
	}
	return firstErr
}
