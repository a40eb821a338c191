// Package config loads service configuration from environment variables.
//
// Required outside debug mode:
//
//	SOONISH_DATABASE_URL   - Postgres connection string
//	SOONISH_ENCRYPTION_KEY - base64 256-bit key for field encryption
//	SOONISH_SIGNING_KEY    - key for signing opaque tokens
//
// Durable execution:
//
//	TEMPORAL_ADDRESS    - Temporal frontend address (default "localhost:7233")
//	TEMPORAL_NAMESPACE  - Temporal namespace (default "default")
//	TEMPORAL_TASK_QUEUE - worker task queue (default "soonish-task-queue")
//
// Optional:
//
//	SOONISH_DEBUG          - enable debug mode and key generation ("true"/"false")
//	SOONISH_DRIVER_TIMEOUT - per-send timeout override (default "10s")
//	REDIS_URL, REDIS_PASSWORD, MONGO_URL, MONGO_DATABASE - report sinks
//	SMTP_* / SMTP_VERIFIED_* - fallback email sender profiles
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/soonishlabs/soonish/secret"
)

// SMTPProfile holds credentials for one service-level fallback email sender.
type SMTPProfile struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Configured reports whether the profile carries enough information to send.
func (p SMTPProfile) Configured() bool {
	return p.Host != "" && p.Username != ""
}

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	DatabaseURL   string
	EncryptionKey string
	SigningKey    string
	Debug         bool

	TemporalAddress   string
	TemporalNamespace string
	TaskQueue         string

	// DriverTimeout bounds every single notifier send.
	DriverTimeout time.Duration

	// DefaultSMTP sends fallback email for unverified users, VerifiedSMTP for
	// verified ones. VerifiedSMTP falls back to DefaultSMTP when unset.
	DefaultSMTP  SMTPProfile
	VerifiedSMTP SMTPProfile

	RedisURL      string
	RedisPassword string
	MongoURL      string
	MongoDatabase string
}

// ErrMissingEncryptionKey is returned by Load when the encryption key is
// absent outside debug mode. The process must refuse to start.
var ErrMissingEncryptionKey = errors.New("config: SOONISH_ENCRYPTION_KEY is required outside debug mode")

// Load reads configuration from the environment. In debug mode missing keys
// are generated so a development instance starts with zero setup; outside
// debug mode a missing encryption or signing key is fatal.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       envOr("SOONISH_DATABASE_URL", "postgres://localhost:5432/soonish?sslmode=disable"),
		EncryptionKey:     os.Getenv("SOONISH_ENCRYPTION_KEY"),
		SigningKey:        os.Getenv("SOONISH_SIGNING_KEY"),
		Debug:             envBoolOr("SOONISH_DEBUG", false),
		TemporalAddress:   envOr("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace: envOr("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:         envOr("TEMPORAL_TASK_QUEUE", "soonish-task-queue"),
		DriverTimeout:     envDurationOr("SOONISH_DRIVER_TIMEOUT", 10*time.Second),
		DefaultSMTP: SMTPProfile{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     envIntOr("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     envOr("SMTP_FROM", "Soonish"),
		},
		VerifiedSMTP: SMTPProfile{
			Host:     os.Getenv("SMTP_VERIFIED_HOST"),
			Port:     envIntOr("SMTP_VERIFIED_PORT", 587),
			Username: os.Getenv("SMTP_VERIFIED_USER"),
			Password: os.Getenv("SMTP_VERIFIED_PASSWORD"),
			From:     envOr("SMTP_VERIFIED_FROM", "Soonish"),
		},
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		MongoURL:      os.Getenv("MONGO_URL"),
		MongoDatabase: envOr("MONGO_DATABASE", "soonish"),
	}

	if cfg.EncryptionKey == "" {
		if !cfg.Debug {
			return nil, ErrMissingEncryptionKey
		}
		cfg.EncryptionKey = secret.GenerateKey()
	}
	if cfg.SigningKey == "" {
		if !cfg.Debug {
			return nil, errors.New("config: SOONISH_SIGNING_KEY is required outside debug mode")
		}
		cfg.SigningKey = secret.GenerateKey()
	}
	if _, err := secret.NewCipherFromBase64(cfg.EncryptionKey); err != nil {
		return nil, fmt.Errorf("config: invalid SOONISH_ENCRYPTION_KEY: %w", err)
	}
	return cfg, nil
}

// Cipher builds the process-wide field cipher from the configured key.
func (c *Config) Cipher() (*secret.Cipher, error) {
	return secret.NewCipherFromBase64(c.EncryptionKey)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
