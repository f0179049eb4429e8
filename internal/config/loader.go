package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Load builds the configuration from defaults, PULSE_* environment
// variables, and command-line flags, in increasing precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("PULSE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper zero-values durations that were never set; restore defaults.
	applyFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server-url", "")
	v.SetDefault("auth-token", "")
	v.SetDefault("client-id", "")
	v.SetDefault("client-secret", "")
	v.SetDefault("service-account-email", "")
	v.SetDefault("service-account-password", "")
	v.SetDefault("callback-port", 0)
	v.SetDefault("no-browser", false)
	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("connect-timeout", DefaultConnectTimeout)
	v.SetDefault("list-tools-wait", DefaultListToolsWait)
	v.SetDefault("call-connect-timeout", DefaultCallConnectTimeout)
	v.SetDefault("call-tool-timeout", DefaultCallToolTimeout)
	v.SetDefault("validate-timeout", DefaultValidateTimeout)
	v.SetDefault("oauth-flow-timeout", DefaultOAuthFlowTimeout)
	v.SetDefault("provider-wait-timeout", DefaultProviderWaitTimeout)
	v.SetDefault("max-connect-attempts", DefaultMaxConnectAttempts)
	v.SetDefault("retry-backoff", DefaultRetryBackoff)
}

func applyFallbacks(cfg *Config) {
	fallbacks := []struct {
		field *time.Duration
		def   time.Duration
	}{
		{&cfg.ConnectTimeout, DefaultConnectTimeout},
		{&cfg.ListToolsWait, DefaultListToolsWait},
		{&cfg.CallConnectTimeout, DefaultCallConnectTimeout},
		{&cfg.CallToolTimeout, DefaultCallToolTimeout},
		{&cfg.ValidateTimeout, DefaultValidateTimeout},
		{&cfg.OAuthFlowTimeout, DefaultOAuthFlowTimeout},
		{&cfg.ProviderWaitTimeout, DefaultProviderWaitTimeout},
		{&cfg.RetryBackoff, DefaultRetryBackoff},
	}
	for _, f := range fallbacks {
		if *f.field <= 0 {
			*f.field = f.def
		}
	}

	if cfg.MaxConnectAttempts == 0 {
		cfg.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Logging == nil {
		cfg.Logging = DefaultLogConfig()
	}
}
