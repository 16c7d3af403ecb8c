package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_OverridesDefaults verifies YAML values override defaults while
// untouched fields keep theirs.
func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
pollers:
  slack:
    enabled: true
    max_pages: 5
    user_domain: example.com
    user_map:
      ajones: alice
analysis:
  trees: 200
  seed: 7
persistence:
  backend: flatfile
  flatfile:
    log_directory: /var/lib/loginwatch
server:
  run_interval: 5m
history_limit: 86400
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Pollers.Slack.Enabled {
		t.Error("slack poller should be enabled")
	}
	if cfg.Pollers.Slack.MaxPages != 5 {
		t.Errorf("max_pages = %d, want 5", cfg.Pollers.Slack.MaxPages)
	}
	if cfg.Pollers.Slack.UserDomain != "example.com" {
		t.Errorf("user_domain = %q", cfg.Pollers.Slack.UserDomain)
	}
	if cfg.Pollers.Slack.UserMap["ajones"] != "alice" {
		t.Errorf("user_map = %+v", cfg.Pollers.Slack.UserMap)
	}
	if cfg.Analysis.Trees != 200 || cfg.Analysis.Seed != 7 {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	if cfg.Persistence.Flatfile.LogDirectory != "/var/lib/loginwatch" {
		t.Errorf("log_directory = %q", cfg.Persistence.Flatfile.LogDirectory)
	}
	if cfg.Server.RunInterval != 5*time.Minute {
		t.Errorf("run_interval = %v", cfg.Server.RunInterval)
	}
	if cfg.HistoryLimit != 86400 {
		t.Errorf("history_limit = %d", cfg.HistoryLimit)
	}

	// Defaults survive for untouched fields.
	if cfg.Analysis.Subsample != 256 {
		t.Errorf("subsample default = %d, want 256", cfg.Analysis.Subsample)
	}
	if cfg.Pollers.Slack.APITokenEnv != "SLACK_API_TOKEN" {
		t.Errorf("api_token_env default = %q", cfg.Pollers.Slack.APITokenEnv)
	}
}

// TestLoad_MissingFile verifies a missing path fails.
func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

// TestValidate verifies each cross-field constraint.
func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Pollers.Slack.Enabled = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no pollers", func(c *Config) { c.Pollers.Slack.Enabled = false }, true},
		{"flatfile without dir", func(c *Config) { c.Persistence.Flatfile.LogDirectory = "" }, true},
		{"unknown backend", func(c *Config) { c.Persistence.Backend = "dynamo" }, true},
		{"redis without addr", func(c *Config) {
			c.Persistence.Backend = "redis"
			c.Persistence.Redis.Addr = ""
		}, true},
		{"redis valid", func(c *Config) { c.Persistence.Backend = "redis" }, false},
		{"gsuite without credentials", func(c *Config) { c.Pollers.GSuite.Enabled = true }, true},
		{"gsuite without admin email", func(c *Config) {
			c.Pollers.GSuite.Enabled = true
			c.Pollers.GSuite.CredentialFile = "creds.json"
		}, true},
		{"gsuite valid", func(c *Config) {
			c.Pollers.GSuite.Enabled = true
			c.Pollers.GSuite.CredentialFile = "creds.json"
			c.Pollers.GSuite.AdminEmail = "admin@example.com"
		}, false},
		{"webhook without url", func(c *Config) { c.Notifiers.Webhook.Enabled = true }, true},
		{"webhook valid", func(c *Config) {
			c.Notifiers.Webhook.Enabled = true
			c.Notifiers.Webhook.URL = "https://hooks.example.com/x"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate should fail")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

// TestEnabledSets verifies the poller and notifier name lists.
func TestEnabledSets(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.EnabledPollers(); len(got) != 0 {
		t.Errorf("default enabled pollers = %v", got)
	}

	cfg.Pollers.Slack.Enabled = true
	cfg.Pollers.GSuite.Enabled = true
	cfg.Notifiers.Slack.Enabled = true

	pollers := cfg.EnabledPollers()
	if len(pollers) != 2 || pollers[0] != "slack" || pollers[1] != "gsuite" {
		t.Errorf("enabled pollers = %v", pollers)
	}
	notifiers := cfg.EnabledNotifiers()
	if len(notifiers) != 1 || notifiers[0] != "slack" {
		t.Errorf("enabled notifiers = %v", notifiers)
	}
}

// TestUserConfig verifies per-provider identity rules resolve by name.
func TestUserConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pollers.Slack.UserDomain = "example.com"
	cfg.Pollers.GSuite.UserMap = map[string]string{"a": "b"}

	if got := cfg.UserConfig("slack"); got.UserDomain != "example.com" {
		t.Errorf("slack user config = %+v", got)
	}
	if got := cfg.UserConfig("gsuite"); got.UserMap["a"] != "b" {
		t.Errorf("gsuite user config = %+v", got)
	}
	if got := cfg.UserConfig("unknown"); got.UserDomain != "" || got.UserMap != nil {
		t.Errorf("unknown provider user config = %+v", got)
	}
}
