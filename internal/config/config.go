// Package config provides configuration management for loginwatch.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/loginwatch/internal/logging"
)

// Config holds all loginwatch configuration.
type Config struct {
	Pollers     PollersConfig     `yaml:"pollers"`
	GeoIP       GeoIPConfig       `yaml:"geoip"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Notifiers   NotifiersConfig   `yaml:"notifiers"`
	Server      ServerConfig      `yaml:"server"`
	Logging     logging.Config    `yaml:"logging"`

	// HistoryLimit bounds how far back historical events are re-read, in
	// seconds before each provider's last-polled checkpoint. Zero keeps
	// everything.
	HistoryLimit int64 `yaml:"history_limit"`
}

// PollersConfig holds per-provider poller settings.
type PollersConfig struct {
	Slack  SlackPollerConfig  `yaml:"slack"`
	GSuite GSuitePollerConfig `yaml:"gsuite"`
}

// ProviderUserConfig holds the identity-normalization settings shared by all
// providers: an alias map applied first, then a default domain appended to
// identities without one.
type ProviderUserConfig struct {
	UserMap    map[string]string `yaml:"user_map"`
	UserDomain string            `yaml:"user_domain"`
}

// SlackPollerConfig holds Slack access-log poller settings.
type SlackPollerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	APITokenEnv        string        `yaml:"api_token_env"`
	BaseURL            string        `yaml:"base_url"`
	MaxPages           int           `yaml:"max_pages"`
	PageSize           int           `yaml:"page_size"`
	Timeout            time.Duration `yaml:"timeout"`
	ProviderUserConfig `yaml:",inline"`
}

// GSuitePollerConfig holds Google Workspace admin-reports poller settings.
type GSuitePollerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	CredentialFile     string        `yaml:"credential_file"`
	AdminEmail         string        `yaml:"admin_email"`
	BaseURL            string        `yaml:"base_url"`
	MaxPages           int           `yaml:"max_pages"`
	Timeout            time.Duration `yaml:"timeout"`
	ProviderUserConfig `yaml:",inline"`
}

// GeoIPConfig holds the MaxMind database paths.
type GeoIPConfig struct {
	CityDB string `yaml:"city_db"`
	ASNDB  string `yaml:"asn_db"`
}

// AnalysisConfig holds anomaly-model settings.
type AnalysisConfig struct {
	// Trees is the isolation-forest ensemble size.
	Trees int `yaml:"trees"`
	// Subsample caps how many training rows each tree sees.
	Subsample int `yaml:"subsample"`
	// Seed makes model fits reproducible across runs.
	Seed int64 `yaml:"seed"`
	// Workers bounds concurrent per-user scoring; 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// PersistenceConfig selects and configures the storage backend.
type PersistenceConfig struct {
	// Backend names the store implementation: flatfile or redis.
	Backend  string         `yaml:"backend"`
	Flatfile FlatfileConfig `yaml:"flatfile"`
	Redis    RedisConfig    `yaml:"redis"`
}

// FlatfileConfig holds flat-file store settings.
type FlatfileConfig struct {
	LogDirectory string `yaml:"log_directory"`
}

// RedisConfig holds Redis store settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// NotifiersConfig holds alert-delivery settings.
type NotifiersConfig struct {
	Webhook WebhookNotifierConfig `yaml:"webhook"`
	Slack   SlackNotifierConfig   `yaml:"slack"`
}

// WebhookNotifierConfig holds generic webhook notifier settings.
type WebhookNotifierConfig struct {
	Enabled     bool              `yaml:"enabled"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	RetryCount  int               `yaml:"retry_count"`
	MinInterval time.Duration     `yaml:"min_interval"`
}

// SlackNotifierConfig holds Slack incoming-webhook notifier settings.
type SlackNotifierConfig struct {
	Enabled       bool          `yaml:"enabled"`
	WebhookURLEnv string        `yaml:"webhook_url_env"`
	Channel       string        `yaml:"channel"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ServerConfig holds serve-mode scheduler and ops API settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	RunInterval     time.Duration `yaml:"run_interval"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pollers: PollersConfig{
			Slack: SlackPollerConfig{
				APITokenEnv: "SLACK_API_TOKEN",
				MaxPages:    100,
				PageSize:    1000,
				Timeout:     30 * time.Second,
			},
			GSuite: GSuitePollerConfig{
				MaxPages: 100,
				Timeout:  30 * time.Second,
			},
		},
		Analysis: AnalysisConfig{
			Trees:     100,
			Subsample: 256,
			Seed:      1,
		},
		Persistence: PersistenceConfig{
			Backend: "flatfile",
			Flatfile: FlatfileConfig{
				LogDirectory: "logs",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "loginwatch",
			},
		},
		Notifiers: NotifiersConfig{
			Webhook: WebhookNotifierConfig{
				Timeout:     10 * time.Second,
				RetryCount:  3,
				MinInterval: 500 * time.Millisecond,
			},
			Slack: SlackNotifierConfig{
				WebhookURLEnv: "SLACK_WEBHOOK_URL",
				Timeout:       10 * time.Second,
			},
		},
		Server: ServerConfig{
			Port:            8080,
			RunInterval:     15 * time.Minute,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.EnabledPollers()) == 0 {
		return fmt.Errorf("at least one poller must be enabled")
	}
	switch c.Persistence.Backend {
	case "flatfile":
		if c.Persistence.Flatfile.LogDirectory == "" {
			return fmt.Errorf("flatfile persistence requested, but no log_directory specified")
		}
	case "redis":
		if c.Persistence.Redis.Addr == "" {
			return fmt.Errorf("redis persistence requested, but no addr specified")
		}
	default:
		return fmt.Errorf("unknown persistence backend: %s", c.Persistence.Backend)
	}
	if c.Pollers.GSuite.Enabled {
		if c.Pollers.GSuite.CredentialFile == "" {
			return fmt.Errorf("gsuite poller requires credential_file")
		}
		if c.Pollers.GSuite.AdminEmail == "" {
			return fmt.Errorf("gsuite poller requires admin_email")
		}
	}
	if c.Notifiers.Webhook.Enabled && c.Notifiers.Webhook.URL == "" {
		return fmt.Errorf("webhook notifier requires url")
	}
	return nil
}

// EnabledPollers returns the names of the enabled pollers.
func (c *Config) EnabledPollers() []string {
	var pollers []string
	if c.Pollers.Slack.Enabled {
		pollers = append(pollers, "slack")
	}
	if c.Pollers.GSuite.Enabled {
		pollers = append(pollers, "gsuite")
	}
	return pollers
}

// EnabledNotifiers returns the names of the enabled notifiers.
func (c *Config) EnabledNotifiers() []string {
	var notifiers []string
	if c.Notifiers.Webhook.Enabled {
		notifiers = append(notifiers, "webhook")
	}
	if c.Notifiers.Slack.Enabled {
		notifiers = append(notifiers, "slack")
	}
	return notifiers
}

// UserConfig returns the identity-normalization settings for a provider.
func (c *Config) UserConfig(provider string) ProviderUserConfig {
	switch provider {
	case "slack":
		return c.Pollers.Slack.ProviderUserConfig
	case "gsuite":
		return c.Pollers.GSuite.ProviderUserConfig
	default:
		return ProviderUserConfig{}
	}
}
