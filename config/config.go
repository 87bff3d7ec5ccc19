// Package config provides unified configuration loading for easel:
// defaults, then a YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the complete easel configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Storage   StorageConfig   `yaml:"storage" env:"STORAGE"`
	Image     ImageConfig     `yaml:"image" env:"IMAGE"`
	Prompt    PromptConfig    `yaml:"prompt" env:"PROMPT"`
	Speech    SpeechConfig    `yaml:"speech" env:"SPEECH"`
	Workflow  WorkflowConfig  `yaml:"workflow" env:"WORKFLOW"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format           string `yaml:"format" env:"FORMAT"` // json, console
	EnableCaller     bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool   `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// RedisConfig configures the Redis client used by the workflow task
// store, the redis blob store, and the snapshot publisher. Leave Addr
// empty to run fully in-process.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the entity store database.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // sqlite, postgres, mysql
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// StorageConfig configures the blob store backing materialized images.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"` // file, redis, memory
	Path    string `yaml:"path" env:"PATH"`       // base dir for the file backend
}

// ImageConfig configures the image generation provider.
type ImageConfig struct {
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	Model       string        `yaml:"model" env:"MODEL"`
	EditModel   string        `yaml:"edit_model" env:"EDIT_MODEL"`
	AspectRatio string        `yaml:"aspect_ratio" env:"ASPECT_RATIO"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// PromptConfig configures the prompt contextualization provider.
type PromptConfig struct {
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// HistoryTokenBudget bounds how much edit history is packed into
	// the contextualization request.
	HistoryTokenBudget int `yaml:"history_token_budget" env:"HISTORY_TOKEN_BUDGET"`
}

// SpeechConfig configures the live transcription provider.
type SpeechConfig struct {
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	BaseURL    string `yaml:"base_url" env:"BASE_URL"`
	Model      string `yaml:"model" env:"MODEL"`
	Language   string `yaml:"language" env:"LANGUAGE"`
	SampleRate int    `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// WorkflowConfig configures asset materialization.
type WorkflowConfig struct {
	// Retention is how long a transient provider URL stays citable
	// after the durable copy exists, before the expiry step runs.
	Retention    time.Duration `yaml:"retention" env:"RETENTION"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

// TelemetryConfig configures the OpenTelemetry SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "easel.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "./data/blobs",
		},
		Image: ImageConfig{
			BaseURL:     "https://api.bfl.ai",
			Model:       "flux-2-pro",
			EditModel:   "flux-kontext-pro",
			AspectRatio: "1:1",
			Timeout:     120 * time.Second,
		},
		Prompt: PromptConfig{
			BaseURL:            "https://api.openai.com",
			Model:              "gpt-4o-mini",
			Timeout:            30 * time.Second,
			HistoryTokenBudget: 2048,
		},
		Speech: SpeechConfig{
			BaseURL:    "wss://api.deepgram.com",
			Model:      "nova-2",
			SampleRate: 16000,
		},
		Workflow: WorkflowConfig{
			Retention:    time.Hour,
			PollInterval: 2 * time.Second,
			MaxAttempts:  4,
			FetchTimeout: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "easel",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("storage backend redis requires redis.addr")
	}
	if c.Storage.Backend == "file" && c.Storage.Path == "" {
		return fmt.Errorf("storage backend file requires storage.path")
	}
	if c.Workflow.MaxAttempts < 1 {
		return fmt.Errorf("workflow.max_attempts must be at least 1")
	}
	if c.Workflow.Retention < 0 {
		return fmt.Errorf("workflow.retention must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
