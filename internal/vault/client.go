// Package vault resolves provider API keys and broker credentials from
// HashiCorp Vault, with a local in-memory fallback for development setups
// that run without one.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Config holds the Vault connection settings.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount, e.g. "secret"
	SecretPath string `json:"secret_path"` // base path, e.g. "trading-bot"
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// BrokerCredentials are the broker login secrets.
type BrokerCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Client wraps the HashiCorp Vault client. When Vault is disabled, secrets
// come from the local cache seeded out of configuration.
type Client struct {
	client *api.Client
	config Config

	mu           sync.RWMutex
	providerKeys map[string]string
	broker       *BrokerCredentials
}

// NewClient creates a Vault client, or a local-only one when disabled.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		config:       cfg,
		providerKeys: make(map[string]string),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// SetLocalProviderKey seeds a provider key into the local cache; used when
// keys come from configuration instead of Vault.
func (c *Client) SetLocalProviderKey(provider, key string) {
	c.mu.Lock()
	c.providerKeys[provider] = key
	c.mu.Unlock()
}

// SetLocalBrokerCredentials seeds broker credentials into the local cache.
func (c *Client) SetLocalBrokerCredentials(creds BrokerCredentials) {
	c.mu.Lock()
	c.broker = &creds
	c.mu.Unlock()
}

// GetProviderKey returns the API key for one completion provider.
func (c *Client) GetProviderKey(ctx context.Context, provider string) (string, error) {
	c.mu.RLock()
	if key, ok := c.providerKeys[provider]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return "", fmt.Errorf("no API key for provider %s and vault is disabled", provider)
	}

	data, err := c.read(ctx, c.secretPath("providers/"+provider))
	if err != nil {
		return "", err
	}
	key := getString(data, "api_key")
	if key == "" {
		return "", fmt.Errorf("vault secret for provider %s carries no api_key", provider)
	}

	c.mu.Lock()
	c.providerKeys[provider] = key
	c.mu.Unlock()
	return key, nil
}

// GetBrokerCredentials returns the broker login secrets.
func (c *Client) GetBrokerCredentials(ctx context.Context) (BrokerCredentials, error) {
	c.mu.RLock()
	if c.broker != nil {
		creds := *c.broker
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return BrokerCredentials{}, fmt.Errorf("no broker credentials and vault is disabled")
	}

	data, err := c.read(ctx, c.secretPath("broker"))
	if err != nil {
		return BrokerCredentials{}, err
	}
	creds := BrokerCredentials{
		Email:    getString(data, "email"),
		Password: getString(data, "password"),
	}
	if creds.Email == "" || creds.Password == "" {
		return BrokerCredentials{}, fmt.Errorf("vault broker secret is incomplete")
	}

	c.mu.Lock()
	c.broker = &creds
	c.mu.Unlock()
	return creds, nil
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// read fetches a KV v2 secret's inner data map.
func (c *Client) read(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s not found", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault secret %s has invalid format", path)
	}
	return data, nil
}

func (c *Client) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, name)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
