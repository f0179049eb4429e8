package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid https",
			mutate: func(c *Config) { c.ServerURL = "https://api.pulse.example" },
		},
		{
			name:   "valid http with port",
			mutate: func(c *Config) { c.ServerURL = "http://localhost:8081" },
		},
		{
			name:    "missing url",
			mutate:  func(_ *Config) {},
			wantErr: "server-url is required",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.ServerURL = "ftp://api.pulse.example" },
			wantErr: "must use http or https",
		},
		{
			name: "secret without id",
			mutate: func(c *Config) {
				c.ServerURL = "https://api.pulse.example"
				c.ClientSecret = "s3cret"
			},
			wantErr: "client-secret requires client-id",
		},
		{
			name: "password without email",
			mutate: func(c *Config) {
				c.ServerURL = "https://api.pulse.example"
				c.ServiceAccountPassword = "pw"
			},
			wantErr: "requires service-account-email",
		},
		{
			name: "callback port out of range",
			mutate: func(c *Config) {
				c.ServerURL = "https://api.pulse.example"
				c.CallbackPort = 70000
			},
			wantErr: "out of range",
		},
		{
			name: "zero connect attempts",
			mutate: func(c *Config) {
				c.ServerURL = "https://api.pulse.example"
				c.MaxConnectAttempts = 0
			},
			wantErr: "max-connect-attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMCPEndpoint(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "https://api.pulse.example/"
	assert.Equal(t, "https://api.pulse.example/mcp", cfg.MCPEndpoint())
	assert.Equal(t, "https://api.pulse.example", cfg.BaseURL())

	cfg.ServerURL = "http://localhost:8081"
	assert.Equal(t, "http://localhost:8081/mcp", cfg.MCPEndpoint())
}

func TestDefaultTimeouts(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 1*time.Second, cfg.ListToolsWait)
	assert.Equal(t, 2*time.Minute, cfg.ProviderWaitTimeout)
	assert.Equal(t, 3, cfg.MaxConnectAttempts)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PULSE_SERVER_URL", "https://api.pulse.example")
	t.Setenv("PULSE_CALLBACK_PORT", "35001")
	t.Setenv("PULSE_NO_BROWSER", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.pulse.example", cfg.ServerURL)
	assert.Equal(t, 35001, cfg.CallbackPort)
	assert.True(t, cfg.DisableBrowser)
	assert.Equal(t, DefaultOAuthFlowTimeout, cfg.OAuthFlowTimeout)
}

func TestLoadMissingURL(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url")
}
