// Package vault reads secrets from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Config holds Vault connection and auth settings.
type Config struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // "approle" or "cert"
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Provider resolves "vault://path/to/secret#key" references. The key part
// defaults to "value" when omitted.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New authenticates against Vault and starts a background token renewer.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	if cfg.CACert != "" || cfg.ClientCert != "" || cfg.ClientKey != "" {
		tls := &vault.TLSConfig{
			CACert:     cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
		}
		if err := vcfg.ConfigureTLS(tls); err != nil {
			return nil, fmt.Errorf("vault: configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}

	auth, err := login(client, cfg)
	if err != nil {
		return nil, err
	}
	client.SetToken(auth.ClientToken)

	p := &Provider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.renewToken(auth)
	return p, nil
}

func login(client *vault.Client, cfg Config) (*vault.SecretAuth, error) {
	var secret *vault.Secret
	var err error
	switch cfg.AuthMethod {
	case "cert":
		secret, err = client.Logical().Write("auth/cert/login", nil)
	case "approle", "":
		if cfg.RoleID == "" {
			return nil, fmt.Errorf("vault: approle auth requires role_id")
		}
		secret, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("vault: unknown auth method %q", cfg.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault: login returned no auth info")
	}
	return secret.Auth, nil
}

// Get reads a secret. KV v2 responses have their "data" wrapper unwrapped
// transparently.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, key = path[:idx], path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("vault: read %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault: secret %q not found", secretPath)
	}

	data := secret.Data
	if wrapped, ok := data["data"].(map[string]interface{}); ok {
		data = wrapped
	}
	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("vault: key %q not found in secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()
	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("vault lifetime watcher setup failed", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
