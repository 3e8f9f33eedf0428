package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/metrics", cfg.HTTP.MetricsPath)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "gopoints:", cfg.Storage.RedisKeyPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Empty(t, cfg.Users.Allowed)
	assert.Equal(t, 0, cfg.Users.CacheSize)
	assert.Equal(t, time.Minute, cfg.Users.CacheTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GOPOINTS_STORAGE_BACKEND", "Postgres")
	t.Setenv("GOPOINTS_STORAGE_POSTGRES_DSN", "postgres://localhost/points")
	t.Setenv("GOPOINTS_SWEEP_INTERVAL", "15m")
	t.Setenv("GOPOINTS_LOG_FORMAT", "console")
	t.Setenv("GOPOINTS_HTTP_ADDR", ":9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/points", cfg.Storage.PostgresDSN)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
}

func TestLoad_UsersFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GOPOINTS_USERS_ALLOWED", "alice, bob,,carol")
	t.Setenv("GOPOINTS_USERS_CACHE_SIZE", "100")
	t.Setenv("GOPOINTS_USERS_CACHE_TTL", "5m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Users.Allowed)
	assert.Equal(t, 100, cfg.Users.CacheSize)
	assert.Equal(t, 5*time.Minute, cfg.Users.CacheTTL)
}

func TestLoad_UsersFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	content := `
users:
  allowed:
    - alice
    - bob
  cache_size: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gopoints.yaml"), []byte(content), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, cfg.Users.Allowed)
	assert.Equal(t, 10, cfg.Users.CacheSize)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	content := `
storage:
  backend: sqlite
  sqlite:
    path: /tmp/ledger.db
ledger:
  max_expiry_horizon: 8760h
sweep:
  concurrency: 8
`
	path := filepath.Join(dir, "gopoints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	// env still wins over the file
	t.Setenv("GOPOINTS_SWEEP_CONCURRENCY", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/ledger.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 8760*time.Hour, cfg.Ledger.MaxExpiryHorizon)
	assert.Equal(t, 2, cfg.Sweep.Concurrency)
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Log:     LogConfig{Level: "info", Format: "json"},
			Storage: StorageConfig{Backend: BackendMemory},
			Sweep:   SweepConfig{Enabled: true, Interval: time.Minute},
			Breaker: BreakerConfig{Enabled: true, FailureThreshold: 3, ResetTimeout: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }},
		{"firestore without project", func(c *Config) { c.Storage.Backend = BackendFirestore }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero sweep interval", func(c *Config) { c.Sweep.Interval = 0 }},
		{"breaker without threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"negative user cache", func(c *Config) { c.Users.CacheSize = -1 }},
		{"user cache without ttl", func(c *Config) { c.Users = UsersConfig{CacheSize: 10} }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	disabled := valid()
	disabled.Sweep = SweepConfig{Enabled: false}
	assert.NoError(t, disabled.Validate())
}
