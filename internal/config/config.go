// Package config loads devctl settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/grantcarthew/devlink/internal/logsink"
)

// DefaultAddress is the server address used when none is configured.
const DefaultAddress = "ws://127.0.0.1:12345"

// DefaultClientName is the name announced during the handshake.
const DefaultClientName = "devctl"

// Config holds all devctl settings.
type Config struct {
	Address        string        `yaml:"address"`
	ClientName     string        `yaml:"client_name"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// PingInterval overrides the interval derived from the server's
	// MaxPingTime. Zero means derive it.
	PingInterval time.Duration `yaml:"ping_interval"`
	// ReadLimit caps inbound frame size in bytes. Zero keeps the transport default.
	ReadLimit int64     `yaml:"read_limit,omitempty"`
	Log       LogConfig `yaml:"log"`
}

// LogConfig configures the log sink.
type LogConfig struct {
	Level        logsink.Severity `yaml:"level"`
	ConsoleLevel logsink.Severity `yaml:"console_level"`
	Console      bool             `yaml:"console"`
	JSON         bool             `yaml:"json"`
	TimeFormat   string           `yaml:"time_format,omitempty"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Address:        DefaultAddress,
		ClientName:     DefaultClientName,
		RequestTimeout: 10 * time.Second,
		Log: LogConfig{
			Level:        logsink.Info,
			ConsoleLevel: logsink.Warn,
			Console:      true,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies DEVCTL_*
// environment overrides. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// overrideWithEnv applies DEVCTL_* variables, loading .env first if present.
func overrideWithEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if v := os.Getenv("DEVCTL_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("DEVCTL_CLIENT_NAME"); v != "" {
		cfg.ClientName = v
	}
	if v := os.Getenv("DEVCTL_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid DEVCTL_REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("DEVCTL_PING_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid DEVCTL_PING_INTERVAL: %w", err)
		}
		cfg.PingInterval = d
	}
	if v := os.Getenv("DEVCTL_READ_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DEVCTL_READ_LIMIT: %w", err)
		}
		cfg.ReadLimit = n
	}
	if v := os.Getenv("DEVCTL_LOG_LEVEL"); v != "" {
		if err := cfg.Log.Level.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid DEVCTL_LOG_LEVEL: %w", err)
		}
	}
	if v := os.Getenv("DEVCTL_CONSOLE_LEVEL"); v != "" {
		if err := cfg.Log.ConsoleLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid DEVCTL_CONSOLE_LEVEL: %w", err)
		}
	}
	if v := os.Getenv("DEVCTL_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEVCTL_LOG_JSON: %w", err)
		}
		cfg.Log.JSON = b
	}
	return nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address cannot be empty")
	}
	if !strings.HasPrefix(c.Address, "ws://") && !strings.HasPrefix(c.Address, "wss://") {
		return fmt.Errorf("address must use ws:// or wss://, got %q", c.Address)
	}
	if strings.TrimSpace(c.ClientName) == "" {
		return errors.New("client name cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("ping interval must not be negative, got %s", c.PingInterval)
	}
	if c.ReadLimit < 0 {
		return fmt.Errorf("read limit must not be negative, got %d", c.ReadLimit)
	}
	return nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
