// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the fileproviderd configuration.
type Config struct {
	// Host bridge
	ListenAddr      string
	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Accounts: a TOML file, or the provider_accounts table when DatabaseURL is set
	AccountsFile string
	DatabaseURL  string

	// Engine
	WorkerConcurrency int
	RequestTimeout    time.Duration
	RetryAttempts     int
	RateLimit         float64 // requests per second per account, 0 = unlimited
	RateBurst         int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("FILEPROVIDER_LISTEN_ADDR", "127.0.0.1:7878"),
		ShutdownTimeout:   envDuration("FILEPROVIDER_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:          envOr("FILEPROVIDER_LOG_LEVEL", "info"),
		LogFormat:         envOr("FILEPROVIDER_LOG_FORMAT", "json"),
		LogOutput:         envOr("FILEPROVIDER_LOG_OUTPUT", "stderr"),
		AccountsFile:      envOr("FILEPROVIDER_ACCOUNTS_FILE", ""),
		DatabaseURL:       envOr("FILEPROVIDER_DATABASE_URL", ""),
		WorkerConcurrency: envInt("FILEPROVIDER_WORKER_CONCURRENCY", 4),
		RequestTimeout:    envDuration("FILEPROVIDER_REQUEST_TIMEOUT", 30*time.Second),
		RetryAttempts:     envInt("FILEPROVIDER_RETRY_ATTEMPTS", 3),
		RateLimit:         envFloat("FILEPROVIDER_RATE_LIMIT", 0),
		RateBurst:         envInt("FILEPROVIDER_RATE_BURST", 8),
	}
	return cfg, nil
}

// Validate checks the settings a running daemon needs.
func (c *Config) Validate() error {
	if c.AccountsFile == "" && c.DatabaseURL == "" {
		return errors.New("FILEPROVIDER_ACCOUNTS_FILE or FILEPROVIDER_DATABASE_URL is required")
	}
	if c.ListenAddr == "" {
		return errors.New("FILEPROVIDER_LISTEN_ADDR is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("FILEPROVIDER_WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("FILEPROVIDER_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("FILEPROVIDER_RATE_LIMIT must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
