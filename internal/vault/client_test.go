package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shadiayoub/ada-binance-bot/config"
)

// fakeVault serves one KV v2 secret at secret/data/bot/binance.
func fakeVault(t *testing.T, secret map[string]interface{}, reads *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/bot/binance" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			reads.Add(1)
			if secret == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"data": secret},
			})
		case http.MethodPut, http.MethodPost:
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			secret, _ = body["data"].(map[string]interface{})
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := NewClient(config.VaultConfig{
		Enabled: true, Address: addr, Token: "test-token", MountPath: "secret", SecretPath: "bot/binance",
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLoadCredentials(t *testing.T) {
	var reads atomic.Int32
	srv := fakeVault(t, map[string]interface{}{
		"api_key": "key", "secret_key": "secret", "is_testnet": "true",
	}, &reads)
	c := testClient(t, srv.URL)

	var cfg config.BinanceConfig
	if err := c.ApplyTo(context.Background(), &cfg); err != nil {
		t.Fatalf("ApplyTo() error = %v", err)
	}
	if cfg.APIKey != "key" || cfg.SecretKey != "secret" || !cfg.TestNet {
		t.Errorf("binance config = %+v", cfg)
	}

	if _, err := c.LoadCredentials(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reads.Load() != 1 {
		t.Errorf("vault reads = %d, want 1 (cached)", reads.Load())
	}
}

func TestLoadCredentialsErrors(t *testing.T) {
	tests := []struct {
		name   string
		secret map[string]interface{}
		check  func(error) bool
	}{
		{"missing", nil, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{"incomplete", map[string]interface{}{"api_key": "key"}, func(err error) bool { return err != nil && !errors.Is(err, ErrNotFound) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reads atomic.Int32
			c := testClient(t, fakeVault(t, tt.secret, &reads).URL)
			_, err := c.LoadCredentials(context.Background())
			if !tt.check(err) {
				t.Errorf("LoadCredentials() error = %v", err)
			}
		})
	}
}

func TestStoreCredentials(t *testing.T) {
	var reads atomic.Int32
	c := testClient(t, fakeVault(t, nil, &reads).URL)
	ctx := context.Background()
	if err := c.StoreCredentials(ctx, Credentials{APIKey: "k2", SecretKey: "s2"}); err != nil {
		t.Fatalf("StoreCredentials() error = %v", err)
	}
	creds, err := c.LoadCredentials(ctx)
	if err != nil || creds.APIKey != "k2" {
		t.Errorf("LoadCredentials() = %+v, %v", creds, err)
	}
}
