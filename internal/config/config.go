// Package config loads and validates gateway configuration from environment
// variables, with optional .env convenience loading for development.
// Priority: process environment > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/seriado/ollagate/internal/auth"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Listener
	Port int    `env:"PORT" envDefault:"3000"`
	Host string `env:"HOST" envDefault:"0.0.0.0"`

	// Upstream generation service
	OllamaAPIURL       string `env:"OLLAMA_API_URL" envDefault:"http://127.0.0.1:11434"`
	OllamaDefaultModel string `env:"OLLAMA_DEFAULT_MODEL" envDefault:"llama3"`

	// Persistence
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Authentication. The _MS variables are plain integer milliseconds.
	AuthTimeoutMS             int64  `env:"AUTH_TIMEOUT_MS" envDefault:"30000"`
	MaxAuthAttempts           int    `env:"MAX_AUTH_ATTEMPTS" envDefault:"5"`
	AuthWindowMS              int64  `env:"AUTH_WINDOW_MS" envDefault:"600000"`
	DefaultSignatureAlgorithm string `env:"DEFAULT_SIGNATURE_ALGORITHM" envDefault:"SHA256"`

	// Keepalive
	PingIntervalMS int64 `env:"PING_INTERVAL_MS" envDefault:"30000"`

	// Durations derived from the _MS values by Load. Code that builds a
	// Config by hand sets these directly.
	AuthTimeout  time.Duration
	AuthWindow   time.Duration
	PingInterval time.Duration

	// Connection-attempt rate limiting (in front of the upgrade)
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Backups
	BackupKeep int `env:"BACKUP_KEEP" envDefault:"10"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the .env file and environment variables.
// The optional logger reports whether a .env file was used.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AuthTimeout = time.Duration(cfg.AuthTimeoutMS) * time.Millisecond
	cfg.AuthWindow = time.Duration(cfg.AuthWindowMS) * time.Millisecond
	cfg.PingInterval = time.Duration(cfg.PingIntervalMS) * time.Millisecond
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("HOST is required")
	}
	if c.OllamaAPIURL == "" {
		return fmt.Errorf("OLLAMA_API_URL is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT_MS must be > 0, got %s", c.AuthTimeout)
	}
	if c.MaxAuthAttempts < 1 {
		return fmt.Errorf("MAX_AUTH_ATTEMPTS must be > 0, got %d", c.MaxAuthAttempts)
	}
	if c.AuthWindow <= 0 {
		return fmt.Errorf("AUTH_WINDOW_MS must be > 0, got %s", c.AuthWindow)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL_MS must be > 0, got %s", c.PingInterval)
	}
	if c.BackupKeep < 1 {
		return fmt.Errorf("BACKUP_KEEP must be > 0, got %d", c.BackupKeep)
	}

	if !auth.AcceptedAlgorithm(c.DefaultSignatureAlgorithm) {
		return fmt.Errorf("DEFAULT_SIGNATURE_ALGORITHM %q is not accepted", c.DefaultSignatureAlgorithm)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr renders the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("upstream", c.OllamaAPIURL).
		Str("default_model", c.OllamaDefaultModel).
		Str("data_dir", c.DataDir).
		Dur("auth_timeout", c.AuthTimeout).
		Int("max_auth_attempts", c.MaxAuthAttempts).
		Dur("auth_window", c.AuthWindow).
		Str("signature_algorithm", c.DefaultSignatureAlgorithm).
		Dur("ping_interval", c.PingInterval).
		Int("backup_keep", c.BackupKeep).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
