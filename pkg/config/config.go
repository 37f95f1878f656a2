// Package config provides configuration loading and management for
// histostack. It handles loading configuration from YAML files and provides
// default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Engine parameters for the external registration engine
	Engine struct {
		// Binary is the path of the registration executable
		Binary string `yaml:"binary"`

		// Threads caps the engine's internal worker pool (0 = engine default)
		Threads int `yaml:"threads"`

		// ExtraArgs are engine options passed through verbatim, such as the
		// similarity metric or the multi-resolution schedule
		ExtraArgs []string `yaml:"extraArgs"`
	} `yaml:"engine"`

	// Cache parameters for the slide image cache
	Cache struct {
		// MaxMemoryMB bounds the resident pixel data (0 = unbounded)
		MaxMemoryMB int64 `yaml:"maxMemoryMB"`

		// MaxImages bounds the number of resident images (0 = unbounded)
		MaxImages int `yaml:"maxImages"`
	} `yaml:"cache"`

	// Iteration parameters for the refinement loop
	Iteration struct {
		// ShuffleSeed seeds the randomized slice visitation order so runs
		// are reproducible
		ShuffleSeed int64 `yaml:"shuffleSeed"`
	} `yaml:"iteration"`

	// Volume parameters for cross-section extraction
	Volume struct {
		// Sampling is "nearest" or "linear"
		Sampling string `yaml:"sampling"`
	} `yaml:"volume"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default engine parameters
	cfg.Engine.Binary = "greedy"
	cfg.Engine.Threads = 0

	// Set default cache parameters; the classic driver kept 20 slides
	cfg.Cache.MaxMemoryMB = 0
	cfg.Cache.MaxImages = 20

	// Set default iteration parameters
	cfg.Iteration.ShuffleSeed = 1

	// Set default volume parameters
	cfg.Volume.Sampling = "nearest"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
