// Package config loads the conductor configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon's settings from conductor.yaml.
type Config struct {
	// CLIPath is the agent CLI binary; empty means $PATH lookup.
	CLIPath string `yaml:"cli_path"`
	// DefaultModel is used when a session names no model.
	DefaultModel string `yaml:"default_model"`
	// TranscriptRoot is the directory holding per-project transcript dirs
	// (default: ~/.agent/projects).
	TranscriptRoot string `yaml:"transcript_root"`
	// ArchiveRoot is where evicted ledger items are appended
	// (default: ~/.conductor/archive).
	ArchiveRoot string `yaml:"archive_root"`
	// RegistryPath is the durable session-to-conversation id map
	// (default: ~/.conductor/ids.json).
	RegistryPath string `yaml:"registry_path"`
	// Listen is the WebSocket listen address; empty disables it.
	Listen string `yaml:"listen"`
	// Stdio enables the NDJSON command loop on stdin/stdout.
	Stdio bool `yaml:"stdio"`
	// LedgerCap and LedgerFloor bound the live conversation window.
	LedgerCap   int `yaml:"ledger_cap"`
	LedgerFloor int `yaml:"ledger_floor"`
	// EventBufferSize is the outbound event channel capacity.
	EventBufferSize int `yaml:"event_buffer_size"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Load reads the config file at path. A missing file yields defaults; a
// present but unreadable or malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	if c.TranscriptRoot == "" {
		c.TranscriptRoot = filepath.Join(home, ".agent", "projects")
	}
	if c.ArchiveRoot == "" {
		c.ArchiveRoot = filepath.Join(home, ".conductor", "archive")
	}
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(home, ".conductor", "ids.json")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Listen == "" && !c.Stdio {
		// With neither surface configured, stdio is the sensible default.
		c.Stdio = true
	}
}
