// Package config provides application configuration loading and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides. Double
// underscore separates nesting levels, e.g. NDB_DATABASE__URL overrides
// database.url and NDB_NEXTDNS__API_KEY overrides nextdns.api_key.
const envPrefix = "NDB_"

// Config is the application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	NextDNS       NextDNSConfig       `koanf:"nextdns"`
	Watchdog      WatchdogConfig      `koanf:"watchdog"`
	Retry         RetryConfig         `koanf:"retry"`
	Unlock        UnlockConfig        `koanf:"unlock"`
	Protection    ProtectionConfig    `koanf:"protection"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// NextDNSConfig contains filtering-service client settings.
type NextDNSConfig struct {
	APIKey    string        `koanf:"api_key" validate:"required"`
	ProfileID string        `koanf:"profile_id" validate:"required"`
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Timeout   time.Duration `koanf:"timeout"`
}

// WatchdogConfig contains periodic driver settings.
type WatchdogConfig struct {
	Interval          time.Duration `koanf:"interval" validate:"min=1s"`
	CleanupMaxAgeDays int           `koanf:"cleanup_max_age_days" validate:"min=1"`
}

// RetryConfig contains retry queue policy settings.
type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"min=1s"`
}

// UnlockConfig contains unlock request queue settings.
type UnlockConfig struct {
	DefaultDelayHours int `koanf:"default_delay_hours" validate:"min=24"`
}

// ProtectionConfig contains PIN protection settings.
type ProtectionConfig struct {
	SessionSecret        string        `koanf:"session_secret"`
	SessionDuration      time.Duration `koanf:"session_duration"`
	PinMaxAttempts       int           `koanf:"pin_max_attempts" validate:"min=1"`
	PinLockoutDuration   time.Duration `koanf:"pin_lockout_duration"`
	PinRemovalDelayHours int           `koanf:"pin_removal_delay_hours" validate:"min=24"`
}

// NotificationsConfig contains operator notification settings.
type NotificationsConfig struct {
	Enabled           bool    `koanf:"enabled"`
	DiscordWebhookURL string  `koanf:"discord_webhook_url"`
	SlackWebhookURL   string  `koanf:"slack_webhook_url"`
	RateLimit         float64 `koanf:"rate_limit"`
}

// Default returns the configuration defaults. They mirror the policy
// constants of the deferred-action subsystem.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		NextDNS: NextDNSConfig{
			BaseURL: "https://api.nextdns.io",
			Timeout: 10 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:          5 * time.Minute,
			CleanupMaxAgeDays: 7,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 60 * time.Second,
		},
		Unlock: UnlockConfig{
			DefaultDelayHours: 48,
		},
		Protection: ProtectionConfig{
			SessionDuration:      30 * time.Minute,
			PinMaxAttempts:       3,
			PinLockoutDuration:   15 * time.Minute,
			PinRemovalDelayHours: 24,
		},
		Notifications: NotificationsConfig{
			RateLimit: 1,
		},
	}
}

// Load reads configuration from an optional YAML file and NDB_-prefixed
// environment variables (env wins), validates it and returns the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
