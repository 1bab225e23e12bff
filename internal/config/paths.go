// Package config loads taintbox settings from defaults, an optional YAML
// file, and TAINTBOX_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigDir returns the default configuration directory (~/.taintbox).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".taintbox"), nil
}

// DefaultConfigPath returns the default configuration file path (~/.taintbox/config.yaml).
func DefaultConfigPath() (string, error) {
	return inConfigDir("config.yaml")
}

// DefaultDataPath returns the default audit database path (~/.taintbox/taintbox.db).
func DefaultDataPath() (string, error) {
	return inConfigDir("taintbox.db")
}

// DefaultLibraryDir returns the default guest library directory (~/.taintbox/libraries).
func DefaultLibraryDir() (string, error) {
	return inConfigDir("libraries")
}

func inConfigDir(name string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
