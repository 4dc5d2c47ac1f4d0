package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bronisync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig                  `yaml:"app"`
	Database    DatabaseConfig             `yaml:"database"`
	Redis       RedisConfig                `yaml:"redis"`
	Monitoring  MonitoringConfig           `yaml:"monitoring"`
	Logging     LoggingConfig              `yaml:"logging"`
	API         APIConfig                  `yaml:"api"`
	Reservation ReservationConfig          `yaml:"reservation"`
	Poller      PollerConfig               `yaml:"poller"`
	Pool        PoolConfig                 `yaml:"pool"`
	Retry       RetryConfig                `yaml:"retry"`
	RateLimits  map[string]RateLimitConfig `yaml:"rate_limits"`
	Delivery    DeliveryConfig             `yaml:"delivery"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Auth    APIAuthConfig `yaml:"auth"`
}

type APIAuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	Header  string   `yaml:"header"`
	APIKeys []string `yaml:"api_keys"`
}

// ReservationConfig describes the remote reservation API that is polled.
type ReservationConfig struct {
	BaseURL               string `yaml:"base_url"`
	APIKey                string `yaml:"api_key"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

type PollerConfig struct {
	Enabled             bool  `yaml:"enabled"`
	BackoffTableSeconds []int `yaml:"backoff_table_seconds"`
}

type PoolConfig struct {
	MaxSize                  int `yaml:"max_size"`
	ConnectionTimeoutSeconds int `yaml:"connection_timeout_seconds"`
	KeepAliveTimeoutSeconds  int `yaml:"keep_alive_timeout_seconds"`
	CleanupIntervalSeconds   int `yaml:"cleanup_interval_seconds"`
}

type RetryConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	RetentionDays        int `yaml:"retention_days"`
	BaseDelaySeconds     int `yaml:"base_delay_seconds"`
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`
}

type RateLimitConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	WindowSeconds int `yaml:"window_seconds"`
}

type DeliveryConfig struct {
	Webhooks       []string       `yaml:"webhooks"`
	RequestTimeout int            `yaml:"request_timeout_seconds"`
	RPS            float64        `yaml:"rps"`
	Burst          int            `yaml:"burst"`
	Telegram       TelegramConfig `yaml:"telegram"`
	Google         GoogleConfig   `yaml:"google"`
}

type TelegramConfig struct {
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
}

type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Poller.Enabled && c.Reservation.BaseURL == "" {
		return errors.New("reservation base_url is required when poller is enabled")
	}

	if len(c.Poller.BackoffTableSeconds) == 0 {
		return errors.New("poller backoff table must not be empty")
	}
	for i, s := range c.Poller.BackoffTableSeconds {
		if s <= 0 {
			return fmt.Errorf("poller backoff_table_seconds[%d] must be positive, got %d", i, s)
		}
	}

	if c.Pool.MaxSize < 0 {
		return fmt.Errorf("pool max_size must not be negative, got %d", c.Pool.MaxSize)
	}

	for action, rule := range c.RateLimits {
		if strings.TrimSpace(action) == "" {
			return errors.New("rate limit action must not be empty")
		}
		if rule.MaxAttempts < 0 || rule.WindowSeconds < 0 {
			return fmt.Errorf("rate limit %q has negative values", action)
		}
	}

	for _, hook := range c.Delivery.Webhooks {
		if !strings.HasPrefix(hook, "http://") && !strings.HasPrefix(hook, "https://") {
			return fmt.Errorf("webhook %q must be an http(s) URL", hook)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bronisync"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.Header == "" {
		c.API.Auth.Header = "X-API-Key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Reservation.RequestTimeoutSeconds == 0 {
		c.Reservation.RequestTimeoutSeconds = models.DefaultRequestTimeout
	}

	if len(c.Poller.BackoffTableSeconds) == 0 {
		c.Poller.BackoffTableSeconds = append([]int(nil), models.DefaultBackoffTable...)
	}

	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = models.DefaultMaxPoolSize
	}
	if c.Pool.ConnectionTimeoutSeconds == 0 {
		c.Pool.ConnectionTimeoutSeconds = models.DefaultConnectionTimeout
	}
	if c.Pool.KeepAliveTimeoutSeconds == 0 {
		c.Pool.KeepAliveTimeoutSeconds = models.DefaultKeepAliveTimeout
	}
	if c.Pool.CleanupIntervalSeconds == 0 {
		c.Pool.CleanupIntervalSeconds = 60
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = models.DefaultMaxRetryAttempts
	}
	if c.Retry.RetentionDays == 0 {
		c.Retry.RetentionDays = models.DefaultRetryRetentionDays
	}
	if c.Retry.BaseDelaySeconds == 0 {
		c.Retry.BaseDelaySeconds = models.DefaultRetryBaseDelay
	}
	if c.Retry.DrainIntervalSeconds == 0 {
		c.Retry.DrainIntervalSeconds = 5 * 60
	}

	if c.Delivery.RequestTimeout == 0 {
		c.Delivery.RequestTimeout = models.DefaultRequestTimeout
	}
	if c.Delivery.RPS == 0 {
		c.Delivery.RPS = 5
	}
	if c.Delivery.Burst == 0 {
		c.Delivery.Burst = 10
	}
	if c.Delivery.Google.SheetName == "" {
		c.Delivery.Google.SheetName = "Bookings"
	}

	if c.RateLimits == nil {
		c.RateLimits = make(map[string]RateLimitConfig)
	}
	for action, rule := range defaultRateLimits() {
		if _, ok := c.RateLimits[action]; !ok {
			c.RateLimits[action] = rule
		}
	}
}

func defaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		models.ActionPoll:     {MaxAttempts: 30, WindowSeconds: 3600},
		models.ActionTrigger:  {MaxAttempts: 5, WindowSeconds: 300},
		models.ActionHealth:   {MaxAttempts: 60, WindowSeconds: 60},
		models.ActionDelivery: {MaxAttempts: 600, WindowSeconds: 60},
	}
}

// RateLimit returns the rule configured for action; a zero rule disables limiting.
func (c *Config) RateLimit(action string) RateLimitConfig {
	return c.RateLimits[action]
}

// BackoffTable returns the configured backoff table as durations.
func (c PollerConfig) BackoffTable() []time.Duration {
	table := make([]time.Duration, 0, len(c.BackoffTableSeconds))
	for _, s := range c.BackoffTableSeconds {
		table = append(table, time.Duration(s)*time.Second)
	}
	return table
}
