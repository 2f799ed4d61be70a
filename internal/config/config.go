// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`   // trace|debug|info|warn|error
	Format   string `yaml:"format" env:"LOG_FORMAT"` // json|console
	Sampling bool   `yaml:"sampling"`                // enable sampling in prod
}

type HTTPConfig struct {
	Port            int           `yaml:"port" env:"HTTP_PORT"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string `yaml:"issuer"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url" env:"REDIS_URL"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

type AIConfig struct {
	Provider        string        `yaml:"provider" env:"AI_PROVIDER"` // openai | gemini | noop
	OpenAIKey       string        `yaml:"openai_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	GeminiKey       string        `yaml:"gemini_key" env:"GEMINI_API_KEY"`
	GeminiURL       string        `yaml:"gemini_url"`
	DefaultModel    string        `yaml:"default_model" env:"AI_DEFAULT_MODEL"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	ConcurrentLimit int           `yaml:"concurrent_limit"` // max concurrent AI calls
	Timeout         time.Duration `yaml:"timeout"`          // per-job AI call deadline
	SystemPrompt    string        `yaml:"system_prompt"`
}

type ChatConfig struct {
	TokenTTL         time.Duration `yaml:"token_ttl" env:"CHAT_TOKEN_TTL"`
	MaxQueryLength   int           `yaml:"max_query_length"`
	MaxSummaryLength int           `yaml:"max_summary_length"`
	StreamPath       string        `yaml:"stream_path"`
	RateLimit        int           `yaml:"rate_limit"` // submissions per window per principal, 0 disables
	RateWindow       time.Duration `yaml:"rate_window"`
	// estimatedTime = BaseSeconds + prompt tokens / TokensPerSecond
	EstimateBaseSeconds     int `yaml:"estimate_base_seconds"`
	EstimateTokensPerSecond int `yaml:"estimate_tokens_per_second"`
}

type StreamConfig struct {
	CancelOnDisconnect bool          `yaml:"cancel_on_disconnect" env:"STREAM_CANCEL_ON_DISCONNECT"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
}

type WorkerConfig struct {
	Workers   int `yaml:"workers" env:"WORKERS"`
	QueueSize int `yaml:"queue_size"`
}

type ReaperConfig struct {
	Interval          time.Duration `yaml:"interval" env:"REAPER_INTERVAL"`
	BatchSize         int           `yaml:"batch_size"`
	TerminalRetention time.Duration `yaml:"terminal_retention"` // 0 disables
	LockTTL           time.Duration `yaml:"lock_ttl"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Chat     ChatConfig     `yaml:"chat"`
	Stream   StreamConfig   `yaml:"stream"`
	Worker   WorkerConfig   `yaml:"worker"`
	Reaper   ReaperConfig   `yaml:"reaper"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path (optional when missing), applies
// environment overrides, fills defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// env-only configuration
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}
	cfg.Runtime.Dev = dev
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	cfg.HTTP.RequestTimeout = orDuration(cfg.HTTP.RequestTimeout, 15*time.Second)
	cfg.HTTP.ShutdownTimeout = orDuration(cfg.HTTP.ShutdownTimeout, 10*time.Second)
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}

	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "openai"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = defaultModelFor(cfg.AI.Provider)
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 1024
	}
	cfg.AI.Timeout = orDuration(cfg.AI.Timeout, 2*time.Minute)

	cfg.Chat.TokenTTL = orDuration(cfg.Chat.TokenTTL, 5*time.Minute)
	if cfg.Chat.MaxQueryLength <= 0 {
		cfg.Chat.MaxQueryLength = 4000
	}
	if cfg.Chat.MaxSummaryLength <= 0 {
		cfg.Chat.MaxSummaryLength = 8000
	}
	if cfg.Chat.StreamPath == "" {
		cfg.Chat.StreamPath = "/stream"
	}
	cfg.Chat.RateWindow = orDuration(cfg.Chat.RateWindow, time.Minute)
	if cfg.Chat.EstimateBaseSeconds <= 0 {
		cfg.Chat.EstimateBaseSeconds = 5
	}
	if cfg.Chat.EstimateTokensPerSecond <= 0 {
		cfg.Chat.EstimateTokensPerSecond = 50
	}

	cfg.Stream.Heartbeat = orDuration(cfg.Stream.Heartbeat, 15*time.Second)

	if cfg.Worker.Workers <= 0 {
		cfg.Worker.Workers = 8
	}
	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = cfg.Worker.Workers * 4
	}

	cfg.Reaper.Interval = orDuration(cfg.Reaper.Interval, time.Minute)
	if cfg.Reaper.BatchSize <= 0 {
		cfg.Reaper.BatchSize = 500
	}
	cfg.Reaper.LockTTL = orDuration(cfg.Reaper.LockTTL, 30*time.Second)
}

// Validate performs minimal checks that defaults cannot fix.
func (c *Config) Validate() error {
	if !c.Runtime.Dev && c.Database.URL == "" {
		return errors.New("database.url is required outside dev mode")
	}
	if !c.Runtime.Dev && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required outside dev mode")
	}
	switch c.AI.Provider {
	case "openai":
		if c.AI.OpenAIKey == "" && !c.Runtime.Dev {
			return errors.New("ai.openai_key is required for provider openai")
		}
	case "gemini":
		if c.AI.GeminiKey == "" && !c.Runtime.Dev {
			return errors.New("ai.gemini_key is required for provider gemini")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown ai.provider %q", c.AI.Provider)
	}
	if c.Chat.RateLimit < 0 {
		return errors.New("chat.rate_limit must be >= 0")
	}
	return nil
}

// defaultModelFor names the model a provider serves when none is configured.
func defaultModelFor(provider string) string {
	switch provider {
	case "gemini":
		return "gemini-2.0-flash"
	case "noop":
		return "noop-echo"
	default:
		return "gpt-4o-mini"
	}
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
