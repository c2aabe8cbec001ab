package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the engine data directory: $GAIA_ENGINE_DIR or ~/.gaia-engine
func GetDataDir() string {
	if envDir := os.Getenv("GAIA_ENGINE_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		// No home (e.g. a bare service account); fall back to the working directory
		return ".gaia-engine"
	}
	return filepath.Join(home, ".gaia-engine")
}

// GetConfigPath returns the default config file location
func GetConfigPath() string {
	return filepath.Join(GetDataDir(), "config.json")
}

// GetSessionDir returns the directory for one connection session's files
func GetSessionDir(session string) string {
	return filepath.Join(GetDataDir(), session)
}

// GetDebugDir returns the packet log directory of a session, creating it
func GetDebugDir(session string) (string, error) {
	dir := filepath.Join(GetSessionDir(session), "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
