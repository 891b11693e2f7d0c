package server

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the server configuration file structure.
// Designed for extensibility - new sections can be added without breaking existing configs.
type Config struct {
	// AuthRule is an expr program evaluated against the connection_init
	// payload (visible as `payload`). Empty authorizes every connection.
	AuthRule string `json:"authRule,omitempty"`

	// OutgoingBuffer is the per-connection write queue size.
	// Zero or negative uses the default.
	OutgoingBuffer int `json:"outgoingBuffer,omitempty"`
}

// LoadConfig loads a configuration file in JSON format.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OutgoingBuffer: 100,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.AuthRule != "" {
		if _, err := RuleAuth(c.AuthRule); err != nil {
			return err
		}
	}
	return nil
}
