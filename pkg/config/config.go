// Package config holds the driver configuration with YAML loading and
// defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level" default:"info"`
	ScanTimeout     time.Duration `yaml:"scan_timeout" default:"5s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	ConnectAttempts int           `yaml:"connect_attempts" default:"4"`
	PairWait        time.Duration `yaml:"pair_wait" default:"5s"`
	ConfirmWait     time.Duration `yaml:"confirm_wait" default:"10s"`
	SettleInterval  time.Duration `yaml:"settle_interval" default:"200ms"`
	OutputFormat    string        `yaml:"output_format" default:"table"` // table, json

	// ReadServices enables the one-time GATT profile dump after the first
	// connection. It replaces runtime probing for optional diagnostics.
	ReadServices bool `yaml:"read_services" default:"false"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file, filling unset fields with
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
