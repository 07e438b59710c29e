// Package config loads the gateway configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root of zapgate.toml.
type Config struct {
	// Listen is the HTTP/websocket listen address.
	Listen string `toml:"listen"`
	// DataDir holds the gateway database, per-session engine stores and logs.
	DataDir string `toml:"data_dir"`
	// DeviceName is shown on the phone's linked-devices list.
	DeviceName string `toml:"device_name"`
	// ReconnectDelayMS is the fixed delay before a dropped session is redialed.
	ReconnectDelayMS int `toml:"reconnect_delay_ms"`

	Queue QueueConfig `toml:"queue"`
}

// QueueConfig tunes the outbound send queue.
type QueueConfig struct {
	Concurrency   int `toml:"concurrency"`
	MaxAttempts   int `toml:"max_attempts"`
	BackoffMS     int `toml:"backoff_ms"`
	KeepCompleted int `toml:"keep_completed"`
	KeepFailed    int `toml:"keep_failed"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Listen:           ":3000",
		DataDir:          filepath.Join(home, ".zapgate"),
		DeviceName:       "ZapGate",
		ReconnectDelayMS: 5000,
		Queue: QueueConfig{
			Concurrency:   5,
			MaxAttempts:   3,
			BackoffMS:     2000,
			KeepCompleted: 100,
			KeepFailed:    500,
		},
	}
}

// Load reads config from path on top of the defaults. A missing file is not
// an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	return nil
}
