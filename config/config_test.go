package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  host: db\n  port: 5432\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, "kafka", cfg.Events.Driver)
	assert.Equal(t, "local", cfg.Availability.LockBackend)
	assert.Equal(t, 15*time.Minute, cfg.Availability.HoldTTL())
	assert.Equal(t, 2*time.Second, cfg.Availability.LockWait())
	assert.Equal(t, 30*time.Minute, cfg.Sync.RefreshInterval())
	assert.Equal(t, 90*time.Minute, cfg.Sync.StaleAfter())
	assert.Equal(t, time.Minute, cfg.Worker.HoldSweepInterval())
	assert.False(t, cfg.Worker.Disabled)
	assert.Equal(t, "host=db port=5432 user= password= dbname= sslmode=disable", cfg.Database.DSN())
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "secret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte("database:\n  password: plain\nlog:\n  level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "lock backend", yaml: "availability:\n  lock_backend: etcd\n"},
		{name: "events driver", yaml: "events:\n  driver: rabbit\n"},
		{name: "mode", yaml: "availability:\n  default_mode: MAYBE\n"},
		{name: "syntax", yaml: "http: [\n"},
		{name: "worker process without shared lock", yaml: "worker:\n  disabled: true\n"},
		{name: "redis lock without ttl", yaml: "availability:\n  lock_backend: redis\n  lock_ttl_seconds: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("availability:\n  lock_backend: redis\nworker:\n  disabled: true\n  hold_sweep_seconds: 5\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Worker.Disabled)
	assert.Equal(t, 5*time.Second, cfg.Worker.HoldSweepInterval())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
