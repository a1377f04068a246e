package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeTempConfig(t, `{
		"programs": {
			"raydium_v4": ["675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"],
			"pumpswap": ["pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"]
		},
		"websocket_url": "wss://mainnet.helius-rpc.com/?api-key=secret",
		"fallback_websocket_urls": ["wss://api.mainnet-beta.solana.com"],
		"rpc_url": "https://api.mainnet-beta.solana.com"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Programs, 2)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeoutSec)
	assert.Equal(t, DefaultAggregateInterval, cfg.AggregateIntervalSec)
	assert.Equal(t, DefaultBreakerMaxFailures, cfg.BreakerMaxFailures)
}

func TestLoad_InvalidWebSocketScheme(t *testing.T) {
	path := writeTempConfig(t, `{
		"programs": {"raydium_v4": ["675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"]},
		"websocket_url": "https://not-a-websocket.example.com"
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WebSocket URL")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Programs:               map[string][]string{"raydium_v4": {"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"}},
			WebSocketURL:           "wss://example.com",
			ConnectTimeoutSec:      30,
			HealthCheckIntervalSec: 30,
			MaxReconnectAttempts:   5,
			BreakerMaxFailures:     3,
			BreakerCooldownSec:     120,
			AggregateIntervalSec:   60,
			PricePollSec:           30,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no programs", func(c *Config) { c.Programs = nil }, "no monitored programs"},
		{"empty program list", func(c *Config) { c.Programs = map[string][]string{"pumpswap": {}} }, "no program ids"},
		{"missing websocket url", func(c *Config) { c.WebSocketURL = "" }, "websocket_url is required"},
		{"bad rpc url", func(c *Config) { c.RPCURL = "ftp://x" }, "invalid RPC URL"},
		{"zero timeout", func(c *Config) { c.ConnectTimeoutSec = 0 }, "connect_timeout_sec"},
		{"negative reconnects", func(c *Config) { c.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"zero breaker cooldown", func(c *Config) { c.BreakerCooldownSec = 0 }, "breaker_cooldown_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMaskURL(t *testing.T) {
	masked := MaskURL("wss://mainnet.helius-rpc.com/?api-key=super-secret")
	assert.NotContains(t, masked, "super-secret")
	assert.Contains(t, masked, "api-key=%2A%2A%2A")

	plain := MaskURL("wss://api.mainnet-beta.solana.com")
	assert.Equal(t, "wss://api.mainnet-beta.solana.com", plain)
}
