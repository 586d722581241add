package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"otto/internal/backend"
)

// Config holds the orchestrator client settings.
type Config struct {
	// DefaultBackend selects which backend serves tasks when the caller
	// gives no override: "queue" or "hosted".
	DefaultBackend string `mapstructure:"default_backend"`

	QueueBaseURL  string `mapstructure:"queue_base_url"`
	HostedBaseURL string `mapstructure:"hosted_base_url"`
	APIKey        string `mapstructure:"api_key"`

	// PollInterval bounds staleness of the poll fallback channel.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// PushEnabled opens websocket subscriptions next to polling. The push
	// endpoint defaults to the queue base URL.
	PushEnabled bool   `mapstructure:"push_enabled"`
	PushBaseURL string `mapstructure:"push_base_url"`

	// LogDir overrides where service logs are written.
	LogDir string `mapstructure:"log_dir"`
}

// Load reads configuration from an optional otto-config file ($HOME or the
// working directory) layered under OTTO_* environment variables. A missing
// file is fine; the defaults work against a local stub.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("otto-config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	v.SetEnvPrefix("OTTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default registered or AutomaticEnv will not surface
	// it through Unmarshal.
	v.SetDefault("default_backend", string(backend.KindQueue))
	v.SetDefault("queue_base_url", "http://localhost:8420")
	v.SetDefault("hosted_base_url", "http://localhost:8430")
	v.SetDefault("api_key", "")
	v.SetDefault("poll_interval", 3*time.Second)
	v.SetDefault("push_enabled", true)
	v.SetDefault("push_base_url", "")
	v.SetDefault("log_dir", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.PushBaseURL == "" {
		cfg.PushBaseURL = cfg.QueueBaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	switch backend.Kind(c.DefaultBackend) {
	case backend.KindQueue, backend.KindHosted:
	default:
		return fmt.Errorf("unknown default_backend %q", c.DefaultBackend)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	return nil
}

// Kind returns the default backend as a typed kind.
func (c *Config) Kind() backend.Kind {
	return backend.Kind(c.DefaultBackend)
}
