package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings. Values come from the environment
// with defaults matching the observed deployment; listen addresses and
// log level can additionally be overridden by command line flags.
type Config struct {
	APIListenAddr string `env:"API_LISTEN_ADDR" envDefault:":8080"`
	WSListenAddr  string `env:"WS_LISTEN_ADDR" envDefault:":8888"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"debug"`

	HistoryCapacity int   `env:"HISTORY_CAPACITY" envDefault:"100"`
	ReplayLimit     int   `env:"REPLAY_LIMIT" envDefault:"50"`
	MaxPayloadBytes int64 `env:"MAX_PAYLOAD_BYTES" envDefault:"52428800"`

	AllowedFileTypes []string `env:"ALLOWED_FILE_TYPES" envSeparator:"," envDefault:"image/png,image/jpeg,image/gif,image/webp,audio/webm,audio/mpeg"`

	AllowMultiCall bool          `env:"ALLOW_MULTI_CALL" envDefault:"false"`
	RingingTimeout time.Duration `env:"RINGING_TIMEOUT" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("HISTORY_CAPACITY must be positive, got %d", c.HistoryCapacity)
	}
	if c.ReplayLimit <= 0 || c.ReplayLimit > c.HistoryCapacity {
		return fmt.Errorf("REPLAY_LIMIT must be in 1..%d, got %d", c.HistoryCapacity, c.ReplayLimit)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be positive, got %d", c.MaxPayloadBytes)
	}
	if len(c.AllowedFileTypes) == 0 {
		return fmt.Errorf("ALLOWED_FILE_TYPES must not be empty")
	}
	if c.RingingTimeout < 0 {
		return fmt.Errorf("RINGING_TIMEOUT must not be negative, got %s", c.RingingTimeout)
	}
	return nil
}
