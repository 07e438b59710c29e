// Package session provides filesystem layout and naming rules for tenant
// sessions under the gateway data directory.
package session

import (
	"os"
	"path/filepath"
)

// Dir returns the directory holding one session's engine-owned files.
func Dir(dataDir, id string) string {
	return filepath.Join(dataDir, "sessions", id)
}

// EngineDBPath returns the protocol engine's own device store for a session.
func EngineDBPath(dataDir, id string) string {
	return filepath.Join(Dir(dataDir, id), "engine.db")
}

// GatewayDBPath returns the shared gateway database path.
func GatewayDBPath(dataDir string) string {
	return filepath.Join(dataDir, "zapgate.db")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "zapgated.log")
}

// EnsureDir creates a session's directory with restrictive permissions.
func EnsureDir(dataDir, id string) error {
	return os.MkdirAll(Dir(dataDir, id), 0700)
}

// RemoveDir deletes a session's engine files. Best-effort: a missing
// directory is not an error.
func RemoveDir(dataDir, id string) error {
	err := os.RemoveAll(Dir(dataDir, id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
