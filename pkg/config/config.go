// Package config loads the gateway configuration from YAML on top of
// tag-declared defaults and builds the components' settings from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/beegate/internal/acqlog"
	"github.com/srg/beegate/internal/fleet"
	"github.com/srg/beegate/internal/session"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Handles are the node's protocol attribute handles.
type Handles struct {
	TX     uint16 `yaml:"tx" default:"16"`
	RX     uint16 `yaml:"rx" default:"18"`
	Notify uint16 `yaml:"notify" default:"19"`
}

// Redis configures the optional reading publisher. An empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel" default:"beegate:readings"`
}

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	LogFormat string `yaml:"log_format" default:"text"`

	Adapter      string `yaml:"adapter" default:"hci0"`
	DeviceName   string `yaml:"device_name" default:"beeinformed_edge"`
	RegistryPath string `yaml:"registry_path" default:"beeinformed.cfg"`
	DataDir      string `yaml:"data_dir" default:"data"`

	ScanDuration        time.Duration `yaml:"scan_duration" default:"10s"`
	ScanInterval        time.Duration `yaml:"scan_interval" default:"10s"`
	AcquisitionInterval time.Duration `yaml:"acquisition_interval" default:"60s"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" default:"10s"`
	WatchdogTimeout     time.Duration `yaml:"watchdog_timeout" default:"5s"`
	MailboxTimeout      time.Duration `yaml:"mailbox_timeout" default:"10s"`

	MailboxCapacity int     `yaml:"mailbox_capacity" default:"128"`
	WriteChunkSize  int     `yaml:"write_chunk_size" default:"20"`
	Handles         Handles `yaml:"handles"`

	MetricsAddr string `yaml:"metrics_addr"`
	Redis       Redis  `yaml:"redis"`
	HistorySize int64  `yaml:"history_size" default:"1000"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults. Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
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

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q (must be text or json)", ErrInvalidConfig, c.LogFormat)
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return fmt.Errorf("%w: device_name is empty", ErrInvalidConfig)
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("%w: registry_path is empty", ErrInvalidConfig)
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"scan_duration", c.ScanDuration},
		{"scan_interval", c.ScanInterval},
		{"acquisition_interval", c.AcquisitionInterval},
		{"connect_timeout", c.ConnectTimeout},
		{"watchdog_timeout", c.WatchdogTimeout},
		{"mailbox_timeout", c.MailboxTimeout},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, d.key, d.val)
		}
	}

	if c.MailboxCapacity < 1 {
		return fmt.Errorf("%w: mailbox_capacity must be at least 1", ErrInvalidConfig)
	}
	if c.WriteChunkSize < 1 {
		return fmt.Errorf("%w: write_chunk_size must be at least 1", ErrInvalidConfig)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("%w: history_size must not be negative", ErrInvalidConfig)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	return logger
}

// SessionOptions returns the session template shared by every device.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Handles: session.Handles{
			TX:     c.Handles.TX,
			RX:     c.Handles.RX,
			Notify: c.Handles.Notify,
		},
		ConnectTimeout:      c.ConnectTimeout,
		WatchdogTimeout:     c.WatchdogTimeout,
		MailboxTimeout:      c.MailboxTimeout,
		MailboxCapacity:     c.MailboxCapacity,
		AcquisitionInterval: c.AcquisitionInterval,
		WriteChunkSize:      c.WriteChunkSize,
	}
}

// FleetConfig returns the discovery loop settings.
func (c *Config) FleetConfig() fleet.Config {
	return fleet.Config{
		AdapterID:    c.Adapter,
		DeviceName:   c.DeviceName,
		ScanDuration: c.ScanDuration,
		ScanInterval: c.ScanInterval,
		Session:      c.SessionOptions(),
	}
}

// RedisOptions returns the publisher settings, or false when Redis is disabled.
func (c *Config) RedisOptions() (acqlog.RedisOptions, bool) {
	if c.Redis.Addr == "" {
		return acqlog.RedisOptions{}, false
	}
	return acqlog.RedisOptions{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Channel:  c.Redis.Channel,
		History:  c.HistorySize,
	}, true
}
