// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the process reads from its environment. Command
// line flags override these where the CLI defines them.
type Config struct {
	Addr        string `env:"WORLDFORK_ADDR" envDefault:":8080"`
	DBPath      string `env:"WORLDFORK_DB" envDefault:"worldfork.db"`
	LogLevel    string `env:"WORLDFORK_LOG_LEVEL" envDefault:"info"`
	SearchLimit int    `env:"WORLDFORK_SEARCH_LIMIT" envDefault:"5"`
}

// Load parses the environment.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// SlogLevel maps the configured level string onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
