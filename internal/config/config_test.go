package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":3000" {
		t.Errorf("listen = %q, want :3000", cfg.Listen)
	}
	if cfg.Queue.Concurrency != 5 {
		t.Errorf("concurrency = %d, want 5", cfg.Queue.Concurrency)
	}
	if cfg.ReconnectDelayMS != 5000 {
		t.Errorf("reconnect_delay_ms = %d, want 5000", cfg.ReconnectDelayMS)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zapgate.toml")
	content := `
listen = ":8080"
device_name = "Test Gateway"

[queue]
concurrency = 2
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.Listen)
	}
	if cfg.DeviceName != "Test Gateway" {
		t.Errorf("device_name = %q", cfg.DeviceName)
	}
	if cfg.Queue.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", cfg.Queue.Concurrency)
	}
	// Untouched keys keep defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zapgate.toml")
	if err := os.WriteFile(path, []byte(`listen = ""`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for empty listen")
	}
}
