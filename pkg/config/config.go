// Package config loads served's process configuration from a YAML file:
// a handful of persistent CLI flags for logging, and a YAML file for
// everything that shouldn't need a flag on every invocation (store
// location, queue sizing).
package config

import (
	"fmt"
	"os"

	"github.com/cuemby/served/pkg/log"
	"gopkg.in/yaml.v3"
)

// Config is served's top-level configuration.
type Config struct {
	// StorePath is the bbolt database file the durable store opens.
	StorePath string `yaml:"store_path"`

	// QueueCapacity bounds each transaction's event queue. Zero uses the
	// state machine package's own default (16).
	QueueCapacity int `yaml:"queue_capacity"`

	// LogLevel and LogJSON configure pkg/log at startup.
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		StorePath:     "served.db",
		QueueCapacity: 0,
		LogLevel:      "info",
		LogJSON:       false,
	}
}

// Load reads and parses a YAML config file at path. A missing file is
// not an error — callers get Default() instead, and CLI flags win.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LogLevelValue converts the configured string into a pkg/log Level,
// falling back to Info for anything unrecognized.
func (c Config) LogLevelValue() log.Level {
	switch log.Level(c.LogLevel) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
		return log.Level(c.LogLevel)
	default:
		return log.InfoLevel
	}
}
