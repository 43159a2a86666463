package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, "smart-switch.db", cfg.Store.Path)
	assert.Equal(t, "inventory.yaml", cfg.Inventory.File)
	assert.Equal(t, "scripts", cfg.ScriptsDir)
	assert.Equal(t, "smartswitch", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.metricsEnabled())
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
web:
  listen: ":9000"
  metrics: false
store:
  driver: sqlite
  path: /var/lib/ss.sqlite
mqtt:
  enabled: true
  broker: tcp://broker:1883
  topic_prefix: home/ss
log:
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Web.Listen)
	assert.False(t, cfg.metricsEnabled())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "home/ss", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.validate())
}

func TestPostgresNeedsDSN(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "store:\n  driver: postgres\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Store.Path)
	assert.Error(t, cfg.validate())

	cfg.Store.Path = "postgres://ss@localhost/smartswitch"
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "web: [unclosed\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "" }},
		{"wildcard prefix", func(c *Config) { c.MQTT.TopicPrefix = "home/#" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, "{}\n"))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestNewLoggerLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "debug"
	logger := newLogger(cfg)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	cfg.Log.Level = "error"
	logger = newLogger(cfg)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
