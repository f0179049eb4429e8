// Package config holds the bridge configuration surface: the upstream
// server location, credential overrides, and per-phase timeouts.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultConnectTimeout bounds the upstream connect+initialize handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultListToolsWait bounds how long tools/list waits on an in-flight
	// proactive connection attempt before serving the cached catalog.
	DefaultListToolsWait = 1 * time.Second
	// DefaultCallConnectTimeout bounds a lazy connection attempt triggered by
	// a tool call.
	DefaultCallConnectTimeout = 15 * time.Second
	// DefaultCallToolTimeout bounds a single forwarded tool call.
	DefaultCallToolTimeout = 60 * time.Second
	// DefaultValidateTimeout bounds the startup token introspection call.
	DefaultValidateTimeout = 5 * time.Second
	// DefaultOAuthFlowTimeout bounds the browser-based bridge OAuth flow.
	DefaultOAuthFlowTimeout = 5 * time.Minute
	// DefaultProviderWaitTimeout bounds the wait for the server-mediated
	// provider OAuth completion signal.
	DefaultProviderWaitTimeout = 2 * time.Minute
	// DefaultMaxConnectAttempts bounds credential-related connection retries.
	DefaultMaxConnectAttempts = 3
	// DefaultRetryBackoff is the pause between connection retries.
	DefaultRetryBackoff = 1 * time.Second
)

// Config represents the bridge configuration.
type Config struct {
	// ServerURL is the upstream server base URL; the MCP endpoint is at /mcp.
	ServerURL string `json:"server_url" mapstructure:"server-url"`

	// AuthToken is an optional pre-provisioned bearer token. When set, the
	// interactive bridge OAuth flow is never started.
	AuthToken string `json:"auth_token,omitempty" mapstructure:"auth-token"`

	// ClientID/ClientSecret override Dynamic Client Registration.
	ClientID     string `json:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret string `json:"client_secret,omitempty" mapstructure:"client-secret"`

	// ServiceAccountEmail/Password authenticate a headless service account
	// through the password grant instead of the browser flow.
	ServiceAccountEmail    string `json:"service_account_email,omitempty" mapstructure:"service-account-email"`
	ServiceAccountPassword string `json:"service_account_password,omitempty" mapstructure:"service-account-password"`

	// CallbackPort is the local OAuth redirect listener port; 0 picks a
	// random free port.
	CallbackPort int `json:"callback_port" mapstructure:"callback-port"`

	// DisableBrowser suppresses browser auto-launch (automated testing).
	DisableBrowser bool `json:"disable_browser" mapstructure:"no-browser"`

	// DataDir holds the encrypted credential file and logs (default ~/.pulsebridge).
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Per-phase timeouts. Every network-facing operation is bounded by one
	// of these; nothing waits indefinitely.
	ConnectTimeout      time.Duration `json:"connect_timeout" mapstructure:"connect-timeout"`
	ListToolsWait       time.Duration `json:"list_tools_wait" mapstructure:"list-tools-wait"`
	CallConnectTimeout  time.Duration `json:"call_connect_timeout" mapstructure:"call-connect-timeout"`
	CallToolTimeout     time.Duration `json:"call_tool_timeout" mapstructure:"call-tool-timeout"`
	ValidateTimeout     time.Duration `json:"validate_timeout" mapstructure:"validate-timeout"`
	OAuthFlowTimeout    time.Duration `json:"oauth_flow_timeout" mapstructure:"oauth-flow-timeout"`
	ProviderWaitTimeout time.Duration `json:"provider_wait_timeout" mapstructure:"provider-wait-timeout"`

	// Retry policy for connection establishment. Explicit configuration
	// rather than embedded constants.
	MaxConnectAttempts int           `json:"max_connect_attempts" mapstructure:"max-connect-attempts"`
	RetryBackoff       time.Duration `json:"retry_backoff" mapstructure:"retry-backoff"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		DataDir:             defaultDataDir(),
		Logging:             DefaultLogConfig(),
		ConnectTimeout:      DefaultConnectTimeout,
		ListToolsWait:       DefaultListToolsWait,
		CallConnectTimeout:  DefaultCallConnectTimeout,
		CallToolTimeout:     DefaultCallToolTimeout,
		ValidateTimeout:     DefaultValidateTimeout,
		OAuthFlowTimeout:    DefaultOAuthFlowTimeout,
		ProviderWaitTimeout: DefaultProviderWaitTimeout,
		MaxConnectAttempts:  DefaultMaxConnectAttempts,
		RetryBackoff:        DefaultRetryBackoff,
	}
}

// DefaultLogConfig returns default logging configuration. Console output
// goes to stderr; stdout carries the MCP stdio channel.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    true,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
	}
}

// Validate checks the configuration for errors that cannot be corrected by
// applying defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server-url is required (set --server-url or PULSE_SERVER_URL)")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server-url %q: %w", c.ServerURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server-url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server-url %q has no host", c.ServerURL)
	}

	if c.ClientSecret != "" && c.ClientID == "" {
		return fmt.Errorf("client-secret requires client-id")
	}
	if c.ServiceAccountPassword != "" && c.ServiceAccountEmail == "" {
		return fmt.Errorf("service-account-password requires service-account-email")
	}
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("callback-port %d out of range", c.CallbackPort)
	}
	if c.MaxConnectAttempts < 1 {
		return fmt.Errorf("max-connect-attempts must be at least 1")
	}

	return nil
}

// MCPEndpoint returns the upstream streamable HTTP MCP endpoint.
func (c *Config) MCPEndpoint() string {
	return trimSlash(c.ServerURL) + "/mcp"
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Config) BaseURL() string {
	return trimSlash(c.ServerURL)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pulsebridge"
	}
	return filepath.Join(home, ".pulsebridge")
}
