// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/pollcast/internal/adapters/chat"
	"github.com/alekspetrov/pollcast/internal/adapters/twitch"
	"github.com/alekspetrov/pollcast/internal/resilience"
)

// Config represents the main configuration
type Config struct {
	Version     string             `yaml:"version"`
	Twitch      *TwitchConfig      `yaml:"twitch"`
	Chat        *ChatConfig        `yaml:"chat"`
	Database    *DatabaseConfig    `yaml:"database"`
	Redis       *RedisConfig       `yaml:"redis"`
	Dispatch    *DispatchConfig    `yaml:"dispatch"`
	Aggregation *AggregationConfig `yaml:"aggregation"`
	Retry       *RetryConfig       `yaml:"retry"`
	Credentials *CredentialsConfig `yaml:"credentials"`
	API         *APIConfig         `yaml:"api"`
	Logging     *LoggingConfig     `yaml:"logging"`
}

// TwitchConfig holds platform API settings
type TwitchConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	HelixURL     string `yaml:"helix_url"`
	AuthURL      string `yaml:"auth_url"`
}

// ChatConfig holds chat transport settings
type ChatConfig struct {
	ServerURL string `yaml:"server_url"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the shared tally store settings
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DispatchConfig holds fan-out settings
type DispatchConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// AggregationConfig holds aggregation pass settings
type AggregationConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// Interval returns the aggregation pass interval.
func (a *AggregationConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

// RetryConfig holds retry and circuit-breaker settings
type RetryConfig struct {
	MaxAttempts            int `yaml:"max_attempts"`
	BaseDelayMS            int `yaml:"base_delay_ms"`
	MaxDelaySeconds        int `yaml:"max_delay_seconds"`
	RateLimitDelaySeconds  int `yaml:"rate_limit_delay_seconds"`
	BreakerThreshold       int `yaml:"breaker_threshold"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// CredentialsConfig holds the token refresh scheduler settings
type CredentialsConfig struct {
	RefreshSchedule string `yaml:"refresh_schedule"`
	RetrySchedule   string `yaml:"retry_schedule"`
	BatchSize       int    `yaml:"batch_size"`
}

// APIConfig holds the read-only HTTP surface settings
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	File    string `yaml:"file"`
	MaxSize string `yaml:"max_size"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Twitch: &TwitchConfig{
			HelixURL: twitch.HelixBaseURL,
			AuthURL:  twitch.AuthBaseURL,
		},
		Chat: &ChatConfig{
			ServerURL: chat.DefaultServerURL,
		},
		Database: &DatabaseConfig{
			URL: "postgres://localhost:5432/pollcast",
		},
		Redis: &RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Dispatch: &DispatchConfig{
			BatchSize: 50,
		},
		Aggregation: &AggregationConfig{
			IntervalSeconds:  5,
			FailureThreshold: 3,
		},
		Retry: &RetryConfig{
			MaxAttempts:            3,
			BaseDelayMS:            1000,
			MaxDelaySeconds:        30,
			RateLimitDelaySeconds:  60,
			BreakerThreshold:       5,
			BreakerCooldownSeconds: 30,
		},
		Credentials: &CredentialsConfig{
			RefreshSchedule: "@every 30m",
			RetrySchedule:   "@every 15m",
			BatchSize:       100,
		},
		API: &APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Logging != nil {
		config.Logging.File = expandPath(config.Logging.File)
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".pollcast", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Twitch == nil || c.Twitch.ClientID == "" {
		return fmt.Errorf("twitch client_id is required")
	}
	if c.Twitch.ClientSecret == "" {
		return fmt.Errorf("twitch client_secret is required")
	}
	if c.Database == nil || c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.API != nil && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Dispatch != nil && c.Dispatch.BatchSize < 1 {
		return fmt.Errorf("dispatch batch_size must be positive")
	}
	if c.Aggregation != nil && c.Aggregation.FailureThreshold < 1 {
		return fmt.Errorf("aggregation failure_threshold must be positive")
	}
	if c.Retry != nil && c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	return nil
}

// Policy builds the resilience policy from the retry settings.
func (c *Config) Policy() resilience.Policy {
	policy := resilience.DefaultPolicy()
	if c.Retry == nil {
		return policy
	}

	if c.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMS > 0 {
		policy.BaseDelay = time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
	}
	if c.Retry.MaxDelaySeconds > 0 {
		policy.MaxDelay = time.Duration(c.Retry.MaxDelaySeconds) * time.Second
	}
	if c.Retry.RateLimitDelaySeconds > 0 {
		policy.RateLimitDelay = time.Duration(c.Retry.RateLimitDelaySeconds) * time.Second
	}
	if c.Retry.BreakerThreshold > 0 {
		policy.BreakerThreshold = c.Retry.BreakerThreshold
	}
	if c.Retry.BreakerCooldownSeconds > 0 {
		policy.BreakerCooldown = time.Duration(c.Retry.BreakerCooldownSeconds) * time.Second
	}
	return policy
}
