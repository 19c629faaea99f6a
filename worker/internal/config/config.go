package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the worker configuration
type Config struct {
	Worker struct {
		Name     string `yaml:"name"`     // Announced to the dispatcher (default: hostname)
		Capacity uint32 `yaml:"capacity"` // Maximal pixels per fragment (default: 10000)
	} `yaml:"worker"`

	Connection struct {
		IOTimeout       time.Duration `yaml:"io_timeout"`        // Bound on one frame read or write (default: 60s)
		IdleTimeout     time.Duration `yaml:"idle_timeout"`      // Bound on waiting for the next task, 0 waits indefinitely (default: 0)
		MaxDialAttempts int           `yaml:"max_dial_attempts"` // Dial attempts before giving up, -1 for unlimited (default: 5)
		RetryInterval   time.Duration `yaml:"retry_interval"`    // First dial retry delay, doubled per attempt (default: 5s)
	} `yaml:"connection"`

	Database struct {
		Path string `yaml:"path"` // SQLite database path, empty disables history (default: empty)
	} `yaml:"database"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"` // Whether to enable the dashboard (default: false)
		Address string `yaml:"address"` // Dashboard server address (default: :8090)
	} `yaml:"dashboard"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads the configuration from a YAML file. Missing fields take
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.Name == "" {
		c.Worker.Name, _ = os.Hostname()
		if c.Worker.Name == "" {
			c.Worker.Name = "worker"
		}
	}
	if c.Worker.Capacity == 0 {
		c.Worker.Capacity = 10000
	}
	if c.Connection.IOTimeout == 0 {
		c.Connection.IOTimeout = 60 * time.Second
	}
	if c.Connection.MaxDialAttempts == 0 {
		c.Connection.MaxDialAttempts = 5
	}
	if c.Connection.RetryInterval == 0 {
		c.Connection.RetryInterval = 5 * time.Second
	}
	if c.Dashboard.Address == "" {
		c.Dashboard.Address = ":8090"
	}
}

// Validate checks values the defaults cannot repair.
func (c *Config) Validate() error {
	if c.Connection.IOTimeout < 0 {
		return fmt.Errorf("connection.io_timeout must not be negative")
	}
	if c.Connection.IdleTimeout < 0 {
		return fmt.Errorf("connection.idle_timeout must not be negative")
	}
	if c.Connection.RetryInterval < 0 {
		return fmt.Errorf("connection.retry_interval must not be negative")
	}
	if c.Connection.MaxDialAttempts < -1 {
		return fmt.Errorf("connection.max_dial_attempts must be -1 or positive")
	}
	if c.Dashboard.Enabled && c.Database.Path == "" {
		return fmt.Errorf("dashboard.enabled requires database.path")
	}
	return nil
}
