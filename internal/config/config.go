// Package config provides persistent configuration storage for ccclient.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nominum/ccchannel/internal/logging"
)

// Config holds ccclient's persistent, non-secret ambient state: CLI
// convenience defaults, never shared secrets or wire credentials.
type Config struct {
	// LastChannel is the address literal of the last channel dialed, used
	// as the default target when a subcommand omits one.
	LastChannel string `json:"last_channel,omitempty"`
	// LogLevel is the default logging.Level name ("error", "info", ...).
	LogLevel string `json:"log_level,omitempty"`
}

// DefaultConfigDir returns the default configuration directory.
// Returns ~/.ccclient on Unix-like systems, %USERPROFILE%\.ccclient on Windows.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".ccclient"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the configuration from the default config file.
// Returns an empty Config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from the specified file path.
// Returns an empty Config if the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the default config file.
func (c *Config) Save() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the configuration to the specified file path.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Level returns the saved log level, defaulting to LevelInfo if unset or
// unrecognized.
func (c *Config) Level() logging.Level {
	if c.LogLevel == "" {
		return logging.LevelInfo
	}
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

// SetLevel saves lvl as the default log level.
func (c *Config) SetLevel(lvl logging.Level) {
	c.LogLevel = lvl.String()
}
