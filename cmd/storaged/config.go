package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the storaged configuration file.
type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Secret   string         `json:"secret" yaml:"secret"`
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Listen   []ListenConfig `json:"listen" yaml:"listen"`
}

// BackendConfig selects the store backend.
type BackendConfig struct {
	Type string `json:"type" yaml:"type"` // "memory" or "sqlite"
	Path string `json:"path" yaml:"path"` // database file for sqlite
}

// ListenConfig binds one transport to an address.
type ListenConfig struct {
	Transport string `json:"transport" yaml:"transport"` // "websocket" or "quic"
	Addr      string `json:"addr" yaml:"addr"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Backend:  BackendConfig{Type: "memory"},
		Listen: []ListenConfig{
			{Transport: "websocket", Addr: ":8780"},
			{Transport: "quic", Addr: ":8781"},
		},
	}
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory":
	case "sqlite":
		if c.Backend.Path == "" {
			return fmt.Errorf("sqlite backend requires a path")
		}
	default:
		return fmt.Errorf("unknown backend type: %q", c.Backend.Type)
	}

	if len(c.Listen) == 0 {
		return fmt.Errorf("at least one listen entry is required")
	}
	for i, l := range c.Listen {
		if l.Transport != "websocket" && l.Transport != "quic" {
			return fmt.Errorf("listen %d: unknown transport: %q", i, l.Transport)
		}
		if l.Addr == "" {
			return fmt.Errorf("listen %d: addr is required", i)
		}
	}
	return nil
}
