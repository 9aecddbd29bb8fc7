package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Partition, cfg.Partition)
	assert.Equal(t, DefaultTickInterval, cfg.Aggregation.TickInterval)
	assert.Equal(t, DefaultNATSSubject, cfg.NATS.Subject)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
port: "9090"
aggregation:
  tick_interval: 30s
  flush_lag: 3m
  workers: 4
  timezone: UTC
cache:
  backend: badger
partition:
  grid: 1h
  phase: 2m
`)
	t.Setenv("TINYFLOW_WORKERS", "6")
	t.Setenv("TINYFLOW_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/tinyflow")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Aggregation.TickInterval)
	assert.Equal(t, 3*time.Minute, cfg.Aggregation.FlushLag)
	assert.Equal(t, 6, cfg.Aggregation.Workers, "environment overrides the file")
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/tinyflow", cfg.Store.Postgres.DSN)
	assert.Equal(t, time.Hour, cfg.Partition.Grid)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, DefaultTopN, cfg.Aggregation.TopN, "unset keys keep defaults")
}

func TestLoad_InvalidEnvKeepsValue(t *testing.T) {
	t.Setenv("TINYFLOW_FLUSH_LAG", "soon")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultFlushLag, cfg.Aggregation.FlushLag)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "port: [not, a, string"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.Aggregation.TickInterval = 0 }},
		{"negative lag", func(c *Config) { c.Aggregation.FlushLag = -time.Second }},
		{"zero grid", func(c *Config) { c.Partition.Grid = 0 }},
		{"phase past grid", func(c *Config) { c.Partition.Phase = c.Partition.Grid }},
		{"cache backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"store driver", func(c *Config) { c.Store.Driver = "sqlite" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLocation_UnknownFallsBack(t *testing.T) {
	cfg := Default()
	cfg.Aggregation.Timezone = "Mars/Olympus"
	assert.Equal(t, time.Local, cfg.Location())
}
