package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for The Relay
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Notify   NotifyConfig   `yaml:"notify" json:"notify"`
	Features FeatureConfig  `yaml:"features" json:"features"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port int    `yaml:"port" json:"port"`
	Host string `yaml:"host" json:"host"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// AuthConfig contains authentication-related configuration
type AuthConfig struct {
	AdminToken string `yaml:"admin_token" json:"-"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// NotifyConfig configures where one-shot alerts are delivered
type NotifyConfig struct {
	Desktop        bool   `yaml:"desktop" json:"desktop"`
	SMTP2GOAPIKey  string `yaml:"smtp2go_api_key" json:"-"`
	SMTP2GOSender  string `yaml:"smtp2go_sender" json:"smtp2go_sender"`
	AlertRecipient string `yaml:"alert_recipient" json:"alert_recipient"`
}

// FeatureConfig contains feature-specific configuration
type FeatureConfig struct {
	LastFM   LastFMConfig   `yaml:"lastfm" json:"lastfm"`
	Currency CurrencyConfig `yaml:"currency" json:"currency"`
}

// PollDefaults are the values a feature seeds its StateStore with on first boot.
// Once a key exists in storage, storage wins.
type PollDefaults struct {
	Enabled                bool          `yaml:"enabled" json:"enabled"`
	Interval               time.Duration `yaml:"interval" json:"interval"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

// LastFMConfig contains Last.fm presence configuration
type LastFMConfig struct {
	PollDefaults    `yaml:",inline"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	RequestsPerSec  float64       `yaml:"requests_per_sec" json:"requests_per_sec"`
	DiscordClientID string        `yaml:"discord_client_id" json:"discord_client_id"`
}

// CurrencyConfig contains exchange rate configuration
type CurrencyConfig struct {
	PollDefaults `yaml:",inline"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	Source       string        `yaml:"source" json:"source"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 4000,
			Host: "127.0.0.1",
		},
		Database: DatabaseConfig{
			Path: "./relay.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Notify: NotifyConfig{
			SMTP2GOSender: "The Relay <relay@localhost>",
		},
		Features: FeatureConfig{
			LastFM: LastFMConfig{
				PollDefaults: PollDefaults{
					Enabled:                true,
					Interval:               5 * time.Second,
					MaxConsecutiveFailures: 3,
				},
				Endpoint:       "http://ws.audioscrobbler.com/2.0/",
				Timeout:        10 * time.Second,
				RequestsPerSec: 1,
			},
			Currency: CurrencyConfig{
				PollDefaults: PollDefaults{
					Enabled:                true,
					Interval:               24 * time.Hour,
					MaxConsecutiveFailures: 0,
				},
				Endpoint: "https://api.frankfurter.app/latest?from=USD",
				Source:   "https://www.frankfurter.app/",
				Timeout:  30 * time.Second,
			},
		},
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// environment variables, in that order of precedence (env wins).
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewConfigurationError("failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, NewConfigurationError("failed to parse config file", err)
		}
	}

	config.applyEnv()

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("RELAY_PORT", c.Server.Port)
	c.Server.Host = getEnvOrDefault("RELAY_HOST", c.Server.Host)
	c.Database.Path = getEnvOrDefault("RELAY_DB_PATH", c.Database.Path)
	c.Auth.AdminToken = getEnvOrDefault("RELAY_ADMIN_TOKEN", c.Auth.AdminToken)
	c.Log.Level = getEnvOrDefault("RELAY_LOG_LEVEL", c.Log.Level)

	c.Notify.Desktop = getEnvAsBool("RELAY_NOTIFY_DESKTOP", c.Notify.Desktop)
	c.Notify.SMTP2GOAPIKey = getEnvOrDefault("RELAY_SMTP2GO_API_KEY", c.Notify.SMTP2GOAPIKey)
	c.Notify.SMTP2GOSender = getEnvOrDefault("RELAY_SMTP2GO_SENDER", c.Notify.SMTP2GOSender)
	c.Notify.AlertRecipient = getEnvOrDefault("RELAY_ALERT_RECIPIENT", c.Notify.AlertRecipient)

	lastfm := &c.Features.LastFM
	lastfm.Enabled = getEnvAsBool("RELAY_ENABLE_LASTFM", lastfm.Enabled)
	lastfm.Interval = getEnvAsDuration("RELAY_LASTFM_INTERVAL", lastfm.Interval)
	lastfm.MaxConsecutiveFailures = getEnvAsInt("RELAY_LASTFM_MAX_FAILURES", lastfm.MaxConsecutiveFailures)
	lastfm.Endpoint = getEnvOrDefault("RELAY_LASTFM_ENDPOINT", lastfm.Endpoint)
	lastfm.DiscordClientID = getEnvOrDefault("RELAY_DISCORD_CLIENT_ID", lastfm.DiscordClientID)

	currency := &c.Features.Currency
	currency.Enabled = getEnvAsBool("RELAY_ENABLE_CURRENCY", currency.Enabled)
	currency.Endpoint = getEnvOrDefault("RELAY_CURRENCY_ENDPOINT", currency.Endpoint)
	currency.MaxConsecutiveFailures = getEnvAsInt("RELAY_CURRENCY_MAX_FAILURES", currency.MaxConsecutiveFailures)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigurationError(fmt.Sprintf("invalid server port: %d", c.Server.Port), nil)
	}

	if c.Database.Path == "" {
		return NewConfigurationError("database path is required", nil)
	}

	if c.Auth.AdminToken == "" {
		return NewConfigurationError("admin token is required (RELAY_ADMIN_TOKEN)", nil)
	}

	if c.Features.LastFM.Interval < time.Second {
		return NewConfigurationError("lastfm interval must be at least 1s", nil)
	}
	if c.Features.LastFM.MaxConsecutiveFailures < 0 || c.Features.Currency.MaxConsecutiveFailures < 0 {
		return NewConfigurationError("max consecutive failures must be >= 0", nil)
	}
	if c.Features.LastFM.RequestsPerSec <= 0 {
		return NewConfigurationError("lastfm requests_per_sec must be positive", nil)
	}

	// Validate mail alerts if partially configured
	if c.Notify.SMTP2GOAPIKey != "" && c.Notify.AlertRecipient == "" {
		return NewConfigurationError("alert recipient is required when an SMTP2GO API key is set", nil)
	}

	return nil
}

// IsFeatureEnabled reports the configured default for a feature. The live
// toggle state is owned by the feature's storage bucket.
func (c *Config) IsFeatureEnabled(featureName string) bool {
	switch strings.ToLower(featureName) {
	case "lastfm":
		return c.Features.LastFM.Enabled
	case "currency":
		return c.Features.Currency.Enabled
	default:
		return false
	}
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.AdminToken != "" {
		out.Auth.AdminToken = "********"
	}
	if out.Notify.SMTP2GOAPIKey != "" {
		out.Notify.SMTP2GOAPIKey = "********"
	}
	return out
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}
