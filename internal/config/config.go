// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Vault     VaultConfig     `yaml:"vault"`
	Queue     QueueConfig     `yaml:"queue"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	System    SystemConfig    `yaml:"system"`
}

// ServerConfig contains the HTTP ingress settings
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// DatabaseConfig contains the relational store settings
type DatabaseConfig struct {
	URL        Secret        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	InitSchema bool          `yaml:"init_schema"`
}

// RedisConfig contains the cache/queue substrate settings
type RedisConfig struct {
	URL     Secret        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// VaultConfig contains the credential vault settings
type VaultConfig struct {
	// Keyring is either a single hex master key or "epoch:hexkey" pairs
	// separated by commas.
	Keyring Secret `yaml:"keyring"`
}

// QueueConfig contains queue facade settings
type QueueConfig struct {
	ExecuteConcurrency   int `yaml:"execute_concurrency"`
	ReconcileConcurrency int `yaml:"reconcile_concurrency"`
	ExecuteMaxAttempts   int `yaml:"execute_max_attempts"`
	ReconcileMaxAttempts int `yaml:"reconcile_max_attempts"`
}

// ReconcileConfig contains reconciler scheduling settings
type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	MaxJitter time.Duration `yaml:"max_jitter"`
}

// WebhookConfig contains ingress defaults
type WebhookConfig struct {
	// ErrorThreshold is the default consecutive-failure count that
	// auto-pauses a webhook when the webhook row carries none.
	ErrorThreshold int `yaml:"error_threshold"`
}

// ExchangeConfig contains per-exchange overrides
type ExchangeConfig struct {
	BaseURL        string        `yaml:"base_url"`
	TestnetBaseURL string        `yaml:"testnet_base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	// RequestsPerSecond paces outbound REST calls; 0 means unpaced.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ExchangesConfig maps exchange tag to overrides
type ExchangesConfig map[string]ExchangeConfig

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel        string        `yaml:"log_level"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	ErrorReportDSN  Secret        `yaml:"error_report_dsn"`
	MemoryThreshold uint64        `yaml:"memory_threshold_mb"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion, then applies environment overrides and validates.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides lets the environment win over the file for the
// connection strings and the master key, per the deployment contract.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = Secret(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = Secret(v)
	}
	if v := os.Getenv("VAULT_KEYRING"); v != "" {
		c.Vault.Keyring = Secret(v)
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.ExecuteConcurrency = n
		}
	}
	if v := os.Getenv("ERROR_REPORT_DSN"); v != "" {
		c.System.ErrorReportDSN = Secret(v)
	}
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Database.URL == "" {
		errs = append(errs, ValidationError{Field: "database.url", Message: "database connection string is required"}.Error())
	}
	if c.Redis.URL == "" {
		errs = append(errs, ValidationError{Field: "redis.url", Message: "redis connection string is required"}.Error())
	}
	if c.Vault.Keyring == "" {
		errs = append(errs, ValidationError{Field: "vault.keyring", Message: "master encryption key is required"}.Error())
	}
	if c.Queue.ExecuteConcurrency < 1 || c.Queue.ExecuteConcurrency > 100 {
		errs = append(errs, ValidationError{Field: "queue.execute_concurrency", Value: c.Queue.ExecuteConcurrency, Message: "must be between 1 and 100"}.Error())
	}
	if c.Queue.ReconcileConcurrency < 1 || c.Queue.ReconcileConcurrency > 100 {
		errs = append(errs, ValidationError{Field: "queue.reconcile_concurrency", Value: c.Queue.ReconcileConcurrency, Message: "must be between 1 and 100"}.Error())
	}
	if c.Reconcile.Interval < time.Second {
		errs = append(errs, ValidationError{Field: "reconcile.interval", Value: c.Reconcile.Interval, Message: "must be at least 1s"}.Error())
	}
	if c.Webhook.ErrorThreshold < 1 {
		errs = append(errs, ValidationError{Field: "webhook.error_threshold", Value: c.Webhook.ErrorThreshold, Message: "must be at least 1"}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// String returns the configuration with sensitive data redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; the YAML file and
// environment override it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsPath: "/metrics",
		},
		Database: DatabaseConfig{
			Timeout:    5 * time.Second,
			InitSchema: true,
		},
		Redis: RedisConfig{
			Timeout: 3 * time.Second,
		},
		Queue: QueueConfig{
			ExecuteConcurrency:   5,
			ReconcileConcurrency: 3,
			ExecuteMaxAttempts:   5,
			ReconcileMaxAttempts: 2,
		},
		Reconcile: ReconcileConfig{
			Interval:  30 * time.Second,
			MaxJitter: 10 * time.Second,
		},
		Webhook: WebhookConfig{
			ErrorThreshold: 5,
		},
		System: SystemConfig{
			LogLevel:        "INFO",
			ShutdownGrace:   30 * time.Second,
			MemoryThreshold: 1024,
		},
	}
}
