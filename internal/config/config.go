// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// ServerURL is the websocket endpoint of the conversational backend.
	ServerURL string
	// RewardBaseURL is the base URL of the reward REST backend.
	RewardBaseURL string
	// FrontendURL is the allowed origin for the dev server.
	FrontendURL string
	// Port is the dev server listen port.
	Port string
	// DBPath is the SQLite file backing the reward outbox.
	DBPath string
	// UserID scopes persisted outbox state to one authenticated user.
	UserID string
	// SupportContext tags outbound messages (general, academic, family).
	SupportContext string

	Reconnect  ReconnectConfig
	Outbox     OutboxConfig
	Indicators IndicatorConfig
}

// ReconnectConfig controls connection retry behavior.
type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// OutboxConfig controls reward delivery retries.
type OutboxConfig struct {
	MaxAttempts   int
	FlushInterval time.Duration
	SubmitTimeout time.Duration
}

// IndicatorConfig controls transient indicator lifetimes.
type IndicatorConfig struct {
	AwarenessTTL  time.Duration
	InitiativeTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:      getEnv("SERVER_URL", "ws://localhost:8080/ws/chat"),
		RewardBaseURL:  getEnv("REWARD_BASE_URL", "http://localhost:8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/outbox.db"),
		UserID:         getEnv("USER_ID", "local"),
		SupportContext: getEnv("SUPPORT_CONTEXT", "general"),
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
			MaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		},
		Outbox: OutboxConfig{
			MaxAttempts:   getEnvInt("OUTBOX_MAX_ATTEMPTS", 5),
			FlushInterval: getEnvDuration("OUTBOX_FLUSH_INTERVAL", time.Minute),
			SubmitTimeout: getEnvDuration("OUTBOX_SUBMIT_TIMEOUT", 10*time.Second),
		},
		Indicators: IndicatorConfig{
			AwarenessTTL:  getEnvDuration("AWARENESS_INDICATOR_TTL", 5*time.Second),
			InitiativeTTL: getEnvDuration("INITIATIVE_INDICATOR_TTL", 3*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL cannot be empty")
	}
	if c.RewardBaseURL == "" {
		return fmt.Errorf("REWARD_BASE_URL cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.UserID == "" {
		return fmt.Errorf("USER_ID cannot be empty")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
