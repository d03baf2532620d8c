package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir returns the path to the dispatch config directory (~/.dispatch).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".dispatch"), nil
}

// DefaultPath returns the path to the config file for the given file name,
// e.g. "hub.yaml" or "router.yaml". Absolute names are returned as-is.
func DefaultPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
