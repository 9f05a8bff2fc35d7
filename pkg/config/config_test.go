package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, "beeinformed_edge", cfg.DeviceName)
	assert.Equal(t, 10*time.Second, cfg.ScanDuration)
	assert.Equal(t, 10*time.Second, cfg.ScanInterval)
	assert.Equal(t, 60*time.Second, cfg.AcquisitionInterval)
	assert.Equal(t, 5*time.Second, cfg.WatchdogTimeout)
	assert.Equal(t, 128, cfg.MailboxCapacity)
	assert.Equal(t, 20, cfg.WriteChunkSize)
	assert.Equal(t, Handles{TX: 0x0010, RX: 0x0012, Notify: 0x0013}, cfg.Handles)
	assert.Equal(t, "beegate:readings", cfg.Redis.Channel)
	assert.Empty(t, cfg.Redis.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesOnlyPresentKeys(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
device_name: hive_node
scan_interval: 2s
mailbox_capacity: 1
handles:
  tx: 32
redis:
  addr: localhost:6379
history_size: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "hive_node", cfg.DeviceName)
	assert.Equal(t, 2*time.Second, cfg.ScanInterval)
	assert.Equal(t, 10*time.Second, cfg.ScanDuration, "absent keys MUST keep defaults")
	assert.Equal(t, 1, cfg.MailboxCapacity)
	assert.Equal(t, uint16(32), cfg.Handles.TX)
	assert.Equal(t, uint16(0x0012), cfg.Handles.RX)

	opts, enabled := cfg.RedisOptions()
	require.True(t, enabled)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "beegate:readings", opts.Channel)
	assert.Equal(t, int64(50), opts.History)
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "scan_duration: [1, 2"},
		{"bad duration", "scan_duration: soon"},
		{"zero watchdog", "watchdog_timeout: 0s"},
		{"negative interval", "acquisition_interval: -1s"},
		{"empty device name", `device_name: "  "`},
		{"zero mailbox capacity", "mailbox_capacity: 0"},
		{"zero chunk size", "write_chunk_size: 0"},
		{"unknown log level", "log_level: chatty"},
		{"unknown log format", "log_format: xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_WrapsSentinel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WriteChunkSize = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		format   string
		want     logrus.Level
		wantJSON bool
	}{
		{name: "debug text", level: "debug", format: "text", want: logrus.DebugLevel},
		{name: "warn json", level: "warn", format: "json", want: logrus.WarnLevel, wantJSON: true},
		{name: "invalid level falls back to info", level: "chatty", format: "text", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level, LogFormat: tt.format}
			logger := cfg.NewLogger()

			assert.Equal(t, tt.want, logger.GetLevel())
			if tt.wantJSON {
				_, ok := logger.Formatter.(*logrus.JSONFormatter)
				assert.True(t, ok)
				return
			}
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_ComponentSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adapter = "hci1"
	cfg.MailboxTimeout = 3 * time.Second

	fc := cfg.FleetConfig()
	assert.Equal(t, "hci1", fc.AdapterID)
	assert.Equal(t, "beeinformed_edge", fc.DeviceName)
	assert.Equal(t, 3*time.Second, fc.Session.MailboxTimeout)
	assert.Equal(t, uint16(0x0013), fc.Session.Handles.Notify)
	assert.Equal(t, 20, fc.Session.WriteChunkSize)

	_, enabled := cfg.RedisOptions()
	assert.False(t, enabled, "redis MUST stay off without an address")
}
