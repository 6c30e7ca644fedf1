// Package paths resolves the askbot data directory and the files kept in it.
// It imports nothing from the module.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// File names inside the data directory.
const (
	ConfigFile     = "askbot.json"
	CredentialFile = "whatsapp.db"
	LedgerFile     = "database.json"
	StateFile      = "supervisor.json"
)

// BaseDir returns the askbot base directory (~/.askbot).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".askbot"), nil
}

// Resolve returns dataDir when set (tilde expanded), otherwise BaseDir.
func Resolve(dataDir string) (string, error) {
	if dataDir == "" {
		return BaseDir()
	}
	return ExpandTilde(dataDir)
}

// DataPath returns a path within the data directory (<dataDir>/<subpath>).
// An empty dataDir means the default base directory.
func DataPath(dataDir, subpath string) (string, error) {
	base, err := Resolve(dataDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active askbot.json path.
// Priority: ./askbot.json (current dir) > <dataDir>/askbot.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath(dataDir string) (string, error) {
	if _, err := os.Stat(ConfigFile); err == nil {
		absPath, err := filepath.Abs(ConfigFile)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DataPath(dataDir, ConfigFile)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
