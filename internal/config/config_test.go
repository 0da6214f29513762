package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsreport/pkg/report"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tsreport.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	opts, err := cfg.ToReportOptions()
	require.NoError(t, err)
	assert.Equal(t, report.Day, opts.Variant.Kind)
	assert.Equal(t, time.Hour, opts.CacheExpiry)
	assert.Equal(t, 2*time.Hour, opts.Thresholds.MergeGap)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9191"
storage:
  path: /tmp/tsreport
  retention_days: 7
report:
  variant: unified
  interval: 5m
  date: "2024-05-01"
  axis_start: "2024-05-01 06:00:00"
  axis_end: "2024-05-01 18:00:00"
  location: Europe/Berlin
  decimals: 2
fetch:
  source: http
  http:
    base_url: http://store:9090
  cache_ttl: 30s
`)
	t.Setenv("RETENTION_DAYS", "14")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.Server.ListenAddr)
	assert.Equal(t, 14, cfg.Storage.RetentionDays, "environment wins over the file")
	assert.Equal(t, 3, cfg.Storage.CompressionLevel, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Fetch.CacheTTL)

	opts, err := cfg.ToReportOptions()
	require.NoError(t, err)
	assert.Equal(t, report.Unified, opts.Variant.Kind)
	assert.Equal(t, 5*time.Minute, opts.Axis.Interval)
	assert.Equal(t, "Europe/Berlin", opts.Location.String())
	assert.Equal(t, 6, opts.Axis.Start.Hour())
	assert.Equal(t, 18, opts.Axis.End.Hour())
	assert.Equal(t, 2, opts.Decimals)
	assert.Equal(t, "http", opts.Source)

	hc := cfg.ToHTTPConfig()
	assert.Equal(t, "http://store:9090", hc.BaseURL)

	sc, err := cfg.ToStorageConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tsreport", sc.Path)
	assert.Equal(t, "Europe/Berlin", sc.Location.String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen address", func(c *Config) { c.Server.ListenAddr = "" }},
		{"no storage path", func(c *Config) { c.Storage.Path = "" }},
		{"retention", func(c *Config) { c.Storage.RetentionDays = 0 }},
		{"compression", func(c *Config) { c.Storage.CompressionLevel = 9 }},
		{"variant", func(c *Config) { c.Report.Variant = "weekly" }},
		{"interval", func(c *Config) { c.Report.Interval = 0 }},
		{"passes", func(c *Config) { c.Report.MaxFormulaPasses = 0 }},
		{"location", func(c *Config) { c.Report.Location = "Mars/Olympus" }},
		{"source", func(c *Config) { c.Fetch.Source = "ftp" }},
		{"influx incomplete", func(c *Config) { c.Fetch.Source = "influx" }},
		{"http without url", func(c *Config) { c.Fetch.Source = "http" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "report:\n  date: 01/05/2024\n"))
	require.NoError(t, err, "dates are checked on conversion")
	cfg, _ := Load(writeConfig(t, "report:\n  date: 01/05/2024\n"))
	_, err = cfg.ToReportOptions()
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TSR_INT", "nope")
	t.Setenv("TSR_BOOL", "1")
	t.Setenv("TSR_DUR", "90s")

	assert.Equal(t, 4, getEnvInt("TSR_INT", 4))
	assert.True(t, getEnvBool("TSR_BOOL", false))
	assert.Equal(t, 90*time.Second, getEnvDuration("TSR_DUR", time.Second))
	assert.Equal(t, "x", getEnv("TSR_UNSET", "x"))
}
