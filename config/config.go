// Package config holds the engine's tunables.
//
// Values come from, in increasing priority: defaults, the JSON config file, GAIA_* environment variables,
// and command-line flags applied by the caller.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/user/gaia-engine/logger"
	"github.com/user/gaia-engine/util"
)

// Config holds timeouts and logging options
type Config struct {
	OperationTimeout    time.Duration
	NotificationTimeout time.Duration
	MaxAttempts         int
	AckTimeout          time.Duration
	LogLevel            string
	PacketLog           bool
}

// fileConfig is the on-disk form; durations are milliseconds
type fileConfig struct {
	OperationTimeoutMs    *int64  `json:"operation_timeout_ms,omitempty"`
	NotificationTimeoutMs *int64  `json:"notification_timeout_ms,omitempty"`
	MaxAttempts           *int    `json:"max_attempts,omitempty"`
	AckTimeoutMs          *int64  `json:"ack_timeout_ms,omitempty"`
	LogLevel              *string `json:"log_level,omitempty"`
	PacketLog             *bool   `json:"packet_log,omitempty"`
}

// Default returns the stock configuration
func Default() Config {
	return Config{
		OperationTimeout:    60000 * time.Millisecond,
		NotificationTimeout: 1000 * time.Millisecond,
		MaxAttempts:         2,
		AckTimeout:          30000 * time.Millisecond,
		LogLevel:            "INFO",
		PacketLog:           false,
	}
}

// Load reads path over the defaults, then applies the environment.
// An empty path means the default location; a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = util.GetConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Debug("config", "no config file at %s, using defaults", path)
	case err != nil:
		return cfg, errors.Wrapf(err, "reading %s", path)
	default:
		if err := cfg.merge(data); err != nil {
			return cfg, errors.Wrapf(err, "parsing %s", path)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logger.DebugJSON("config", "loaded", cfg.fileForm())
	return cfg, nil
}

// fileForm renders c the way the config file spells it
func (c Config) fileForm() fileConfig {
	operation := c.OperationTimeout.Milliseconds()
	notification := c.NotificationTimeout.Milliseconds()
	ack := c.AckTimeout.Milliseconds()
	return fileConfig{
		OperationTimeoutMs:    &operation,
		NotificationTimeoutMs: &notification,
		MaxAttempts:           &c.MaxAttempts,
		AckTimeoutMs:          &ack,
		LogLevel:              &c.LogLevel,
		PacketLog:             &c.PacketLog,
	}
}

func (c *Config) merge(data []byte) error {
	var f fileConfig
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.OperationTimeoutMs != nil {
		c.OperationTimeout = time.Duration(*f.OperationTimeoutMs) * time.Millisecond
	}
	if f.NotificationTimeoutMs != nil {
		c.NotificationTimeout = time.Duration(*f.NotificationTimeoutMs) * time.Millisecond
	}
	if f.MaxAttempts != nil {
		c.MaxAttempts = *f.MaxAttempts
	}
	if f.AckTimeoutMs != nil {
		c.AckTimeout = time.Duration(*f.AckTimeoutMs) * time.Millisecond
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	if f.PacketLog != nil {
		c.PacketLog = *f.PacketLog
	}
	return nil
}

// ApplyEnv overrides fields from GAIA_* environment variables
func (c *Config) ApplyEnv() error {
	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"GAIA_OPERATION_TIMEOUT_MS", &c.OperationTimeout},
		{"GAIA_NOTIFICATION_TIMEOUT_MS", &c.NotificationTimeout},
		{"GAIA_ACK_TIMEOUT_MS", &c.AckTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%s", d.name)
		}
		*d.target = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("GAIA_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "GAIA_MAX_ATTEMPTS")
		}
		c.MaxAttempts = n
	}
	if v := os.Getenv("GAIA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GAIA_PACKET_LOG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "GAIA_PACKET_LOG")
		}
		c.PacketLog = b
	}
	return nil
}

// Validate rejects unusable values
func (c Config) Validate() error {
	if c.OperationTimeout <= 0 {
		return errors.Errorf("operation timeout must be positive, got %v", c.OperationTimeout)
	}
	if c.NotificationTimeout <= 0 {
		return errors.Errorf("notification timeout must be positive, got %v", c.NotificationTimeout)
	}
	if c.AckTimeout <= 0 {
		return errors.Errorf("ack timeout must be positive, got %v", c.AckTimeout)
	}
	if c.MaxAttempts < 1 {
		return errors.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	switch strings.ToUpper(c.LogLevel) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// Level returns the parsed log level
func (c Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel)
}
