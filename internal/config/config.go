// Package config loads the walink YAML configuration with sane defaults so
// the tool runs with no config file at all.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Storage StorageConfig `yaml:"storage"`
	Linking LinkingConfig `yaml:"linking"`
	Log     LogConfig     `yaml:"log"`
}

type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Link attempts allowed per client IP.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	RateLimitBurst  int `yaml:"rate_limit_burst"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LinkingConfig struct {
	// DefaultRegion is the ISO country assumed for numbers entered
	// without a country code. Empty requires an explicit code.
	DefaultRegion string `yaml:"default_region"`

	// DisplayName is shown on the phone as the linked client.
	DisplayName string `yaml:"display_name"`

	// QRSize is the rendered QR image edge in pixels.
	QRSize int `yaml:"qr_size"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            3000,
			RateLimitPerMin: 6,
			RateLimitBurst:  3,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(home, ".walink"),
		},
		Linking: LinkingConfig{
			DisplayName: "Chrome (Linux)",
			QRSize:      256,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".walink", "config.yaml")
}

// Load reads the config file at path, layering it over the defaults. A
// missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// SessionsDir is where per-identifier credential directories live.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Storage.DataDir, "sessions")
}

// LogLevel converts the configured level string to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
