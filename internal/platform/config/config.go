package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	HeartbeatInterval      time.Duration `env:"HEARTBEAT_INTERVAL" default:"5s"`
	PongDeadline           time.Duration `env:"PONG_DEADLINE" default:"15s"`
	BackpressureLimitBytes int64         `env:"BACKPRESSURE_LIMIT_BYTES" default:"8388608"` // 8 MiB

	MaxConnections         int64   `env:"MAX_CONNECTIONS" default:"10000"`
	WSConnectionsPerSecond float64 `env:"WS_CONNECTIONS_PER_SECOND" default:"10"`
	WSConnectionBurst      int     `env:"WS_CONNECTION_BURST" default:"20"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.PongDeadline <= cfg.HeartbeatInterval {
		return fmt.Errorf("PONG_DEADLINE (%v) must exceed HEARTBEAT_INTERVAL (%v)", cfg.PongDeadline, cfg.HeartbeatInterval)
	}
	if cfg.BackpressureLimitBytes <= 0 {
		return errors.New("BACKPRESSURE_LIMIT_BYTES must be positive")
	}
	if cfg.MaxConnections <= 0 {
		return errors.New("MAX_CONNECTIONS must be positive")
	}
	if cfg.WSConnectionsPerSecond <= 0 || cfg.WSConnectionBurst <= 0 {
		return errors.New("WebSocket rate limit settings must be positive")
	}
	return nil
}
