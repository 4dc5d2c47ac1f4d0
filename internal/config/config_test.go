package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bronisync/internal/models"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
database:
  path: "test.db"
reservation:
  base_url: "https://reservations.example.com"
  api_key: "${BRONISYNC_TEST_KEY}"
poller:
  enabled: true
rate_limits:
  poll:
    max_attempts: 3
    window_seconds: 60
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	t.Setenv("BRONISYNC_TEST_KEY", "secret")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Reservation.APIKey != "secret" {
		t.Errorf("expected api key from env, got %q", cfg.Reservation.APIKey)
	}
	if got := cfg.RateLimit(models.ActionPoll); got.MaxAttempts != 3 || got.WindowSeconds != 60 {
		t.Errorf("expected configured poll rule, got %+v", got)
	}
	if got := cfg.RateLimit(models.ActionHealth); got.MaxAttempts == 0 {
		t.Errorf("expected default health rule, got %+v", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Database:    DatabaseConfig{Path: "path"},
			Reservation: ReservationConfig{BaseURL: "https://api"},
			Poller:      PollerConfig{Enabled: true},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "poller without base url", mutate: func(c *Config) { c.Reservation.BaseURL = "" }, wantErr: true},
		{name: "disabled poller without base url", mutate: func(c *Config) {
			c.Reservation.BaseURL = ""
			c.Poller.Enabled = false
		}},
		{name: "non-positive backoff entry", mutate: func(c *Config) { c.Poller.BackoffTableSeconds = []int{60, 0} }, wantErr: true},
		{name: "empty backoff table", mutate: func(c *Config) { c.Poller.BackoffTableSeconds = nil }, wantErr: true},
		{name: "negative rate limit", mutate: func(c *Config) {
			c.RateLimits["poll"] = RateLimitConfig{MaxAttempts: -1, WindowSeconds: 10}
		}, wantErr: true},
		{name: "bad webhook", mutate: func(c *Config) { c.Delivery.Webhooks = []string{"ftp://x"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Pool.MaxSize != models.DefaultMaxPoolSize {
		t.Errorf("expected default pool size %d, got %d", models.DefaultMaxPoolSize, cfg.Pool.MaxSize)
	}
	if cfg.Pool.ConnectionTimeoutSeconds != 15 {
		t.Errorf("expected default connection timeout 15, got %d", cfg.Pool.ConnectionTimeoutSeconds)
	}
	if cfg.Pool.KeepAliveTimeoutSeconds != 300 {
		t.Errorf("expected default keep-alive 300, got %d", cfg.Pool.KeepAliveTimeoutSeconds)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.RetentionDays != 30 {
		t.Errorf("expected default retention 30, got %d", cfg.Retry.RetentionDays)
	}

	want := []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second, 900 * time.Second, 1800 * time.Second}
	got := cfg.Poller.BackoffTable()
	if len(got) != len(want) {
		t.Fatalf("expected %d backoff entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// defaults must not alias the package-level table
	cfg.Poller.BackoffTableSeconds[0] = 1
	if models.DefaultBackoffTable[0] != 60 {
		t.Errorf("default backoff table was mutated")
	}
}
