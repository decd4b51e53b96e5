package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ElasticDash backend.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. YAML file + environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	// Core configuration
	Name string `yaml:"name"`
	Port int    `yaml:"port"`

	// API is the backend service the orchestration engine calls
	API APIConfig `yaml:"api"`

	// AI configuration for the LLM wrapper
	AI AIConfig `yaml:"ai"`

	// Orchestration loop bounds
	Orchestration OrchestrationConfig `yaml:"orchestration"`

	// Redis for session storage
	Redis RedisConfig `yaml:"redis"`

	// Storage for conversations/messages/plans/steps
	Storage StorageConfig `yaml:"storage"`

	// Telemetry configuration
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig describes the external API that plan steps execute against
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AIConfig configures the LLM provider
type AIConfig struct {
	Provider string        `yaml:"provider"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// OrchestrationConfig bounds the retry/validation loops
type OrchestrationConfig struct {
	MaxIterations     int `yaml:"max_iterations"`
	MaxPlanValidation int `yaml:"max_plan_validation"`
}

// RedisConfig configures the session store
type RedisConfig struct {
	URL        string        `yaml:"url"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// StorageConfig configures the relational store
type StorageConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Exporter string `yaml:"exporter"` // "otlp" or "stdout"
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Option is a functional configuration option
type Option func(*Config)

// WithName sets the service name
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithPort sets the HTTP port
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithAPIBaseURL sets the external API base URL
func WithAPIBaseURL(url string) Option {
	return func(c *Config) { c.API.BaseURL = url }
}

// WithAIKey sets the LLM API key
func WithAIKey(key string) Option {
	return func(c *Config) { c.AI.APIKey = key }
}

// WithConfigFile loads configuration from a YAML file
func WithConfigFile(path string) Option {
	return func(c *Config) {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		// Invalid YAML leaves the existing values in place
		_ = yaml.Unmarshal(data, c)
	}
}

// DefaultConfig returns configuration defaults before env/options are applied
func DefaultConfig() *Config {
	return &Config{
		Name: "elasticdash-backend",
		Port: 8080,
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		AI: AIConfig{
			Provider: "openai",
			BaseURL:  "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
			Timeout:  120 * time.Second,
		},
		Orchestration: OrchestrationConfig{
			MaxIterations:     20,
			MaxPlanValidation: 10,
		},
		Redis: RedisConfig{
			URL:        "redis://localhost:6379",
			SessionTTL: 30 * time.Minute,
		},
		Storage: StorageConfig{
			Path: "elasticdash.db",
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// NewConfig builds a Config from defaults, environment, then options
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides defaults with environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("ELASTICDASH_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("ELASTICDASH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("ELASTICDASH_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("ELASTICDASH_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("ELASTICDASH_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("ELASTICDASH_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("ELASTICDASH_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("ELASTICDASH_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
		c.Telemetry.Exporter = "otlp"
	}
	if v := os.Getenv("ELASTICDASH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	if c.Orchestration.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be positive", ErrInvalidConfiguration)
	}
	if c.Orchestration.MaxPlanValidation <= 0 {
		return fmt.Errorf("%w: max_plan_validation must be positive", ErrInvalidConfiguration)
	}
	return nil
}
