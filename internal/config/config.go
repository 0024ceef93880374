// Package config loads the server's flat configuration record from the
// environment, the way adred-codev-ws_poc's sibling ws/config.go does
// with caarlos0/env and godotenv, rather than the teacher's JSON-plus-
// ExpandEnv-plus-hardcoded-switch approach in cmd/main.go.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"odin-sync-server/internal/apperrors"
)

// Config is the flat record of spec.md §6.4 plus the ambient keys
// SPEC_FULL.md §6.4 adds for logging, connection limits, and shutdown.
type Config struct {
	Port             int           `env:"PORT" envDefault:"8080"`
	DatabaseDir      string        `env:"DATABASE_DIR" envDefault:"databases"`
	AuthTimeout      time.Duration `env:"AUTH_TIMEOUT" envDefault:"10s"`
	MaxPoolSize      int           `env:"MAX_POOL_SIZE" envDefault:"20"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"json"`
	ClientSendBuffer int           `env:"CLIENT_SEND_BUFFER" envDefault:"256"`
	MaxConnections   int           `env:"MAX_CONNECTIONS" envDefault:"5000"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads a .env file if present (ignored if it isn't) and parses the
// environment into a Config, applying defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &apperrors.ConfigError{Reason: fmt.Sprintf("parse environment: %v", err)}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return &apperrors.ConfigError{Reason: fmt.Sprintf("PORT out of range: %d", c.Port)}
	}
	if c.DatabaseDir == "" {
		return &apperrors.ConfigError{Reason: "DATABASE_DIR must not be empty"}
	}
	if c.MaxPoolSize <= 0 {
		return &apperrors.ConfigError{Reason: fmt.Sprintf("MAX_POOL_SIZE must be positive: %d", c.MaxPoolSize)}
	}
	if c.AuthTimeout <= 0 {
		return &apperrors.ConfigError{Reason: fmt.Sprintf("AUTH_TIMEOUT must be positive: %s", c.AuthTimeout)}
	}
	return nil
}
