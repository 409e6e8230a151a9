// Package vault reads the bot's Binance credentials from a HashiCorp Vault
// KV v2 mount.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/shadiayoub/ada-binance-bot/config"
)

// ErrNotFound is returned when no credentials are stored at the secret path.
var ErrNotFound = errors.New("credentials not found in vault")

// Credentials is the secret stored at {mount}/data/{secret_path}.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// LoadCredentials reads the Binance credentials. A successful read is cached
// for the life of the client.
func (c *Client) LoadCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	cached := c.cached
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", c.dataPath())
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("secret at %s is missing api_key or secret_key", c.dataPath())
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes new credentials and replaces the cached copy.
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	_, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.IsTestnet,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}
	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return nil
}

// ApplyTo copies the stored credentials into the Binance config section.
func (c *Client) ApplyTo(ctx context.Context, cfg *config.BinanceConfig) error {
	creds, err := c.LoadCredentials(ctx)
	if err != nil {
		return err
	}
	cfg.APIKey = creds.APIKey
	cfg.SecretKey = creds.SecretKey
	cfg.TestNet = cfg.TestNet || creds.IsTestnet
	return nil
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}
