package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - RESTICVFS_CONFIG_PATH: config file location (default: ~/.config/resticvfs.toml)
//   - RESTICVFS_HOME: base directory for resticvfs data (default: ~/.local/share/resticvfs)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"cache_dir":   filepath.Join(baseDir, "cache"),
	}, nil
}

// getConfigPath returns the config file path, checking RESTICVFS_CONFIG_PATH first,
// then falling back to the default ~/.config/resticvfs.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("RESTICVFS_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "resticvfs.toml"), nil
}

// getBaseDir returns the base directory for resticvfs data, checking
// RESTICVFS_HOME first, then falling back to the XDG default ~/.local/share/resticvfs.
func getBaseDir() (string, error) {
	if path := os.Getenv("RESTICVFS_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "resticvfs"), nil
}
