package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/state"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultMaxConnections, cfg.Pool.MaxConnections)
	assert.Equal(t, DefaultMaxIdleConnections, cfg.Pool.MaxIdleConnections)
	assert.Equal(t, "add-first", cfg.Pool.DiffOrder)
	assert.Equal(t, DefaultPutRetries, cfg.Retry.PutRetries)
	assert.Zero(t, cfg.Retry.ReserveRetries)
	assert.Equal(t, time.Second, cfg.Retry.BackoffUnit.Std())
	assert.Equal(t, DefaultAddr, cfg.Queue.Addr)
	assert.Equal(t, DefaultTube, cfg.Queue.DefaultTube)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "unbounded pool", modify: func(c *Config) { c.Pool.MaxConnections = 0 }},
		{name: "no idle connections", modify: func(c *Config) { c.Pool.MaxIdleConnections = 0 }},
		{name: "remove-first order", modify: func(c *Config) { c.Pool.DiffOrder = "remove-first" }},
		{name: "empty pool name", modify: func(c *Config) { c.Pool.Name = "" }, wantErr: true},
		{name: "negative max connections", modify: func(c *Config) { c.Pool.MaxConnections = -1 }, wantErr: true},
		{name: "negative max idle", modify: func(c *Config) { c.Pool.MaxIdleConnections = -1 }, wantErr: true},
		{name: "unknown diff order", modify: func(c *Config) { c.Pool.DiffOrder = "sideways" }, wantErr: true},
		{name: "negative put retries", modify: func(c *Config) { c.Retry.PutRetries = -1 }, wantErr: true},
		{name: "zero backoff unit", modify: func(c *Config) { c.Retry.BackoffUnit = 0 }, wantErr: true},
		{name: "bad redis address", modify: func(c *Config) { c.Queue.Addr = "localhost" }, wantErr: true},
		{name: "db out of range", modify: func(c *Config) { c.Queue.DB = 16 }, wantErr: true},
		{name: "prefix with space", modify: func(c *Config) { c.Queue.KeyPrefix = "state pool" }, wantErr: true},
		{name: "tube starting with hyphen", modify: func(c *Config) { c.Queue.DefaultTube = "-jobs" }, wantErr: true},
		{name: "negative put rate", modify: func(c *Config) { c.Queue.PutRate = -1 }, wantErr: true},
		{
			name: "put rate without burst",
			modify: func(c *Config) {
				c.Queue.PutRate = 5
				c.Queue.PutBurst = 0
			},
			wantErr: true,
		},
		{name: "zero failure threshold", modify: func(c *Config) { c.Breaker.FailureThreshold = 0 }, wantErr: true},
		{name: "zero breaker timeout", modify: func(c *Config) { c.Breaker.Timeout = 0 }, wantErr: true},
		{
			name: "metrics enabled without listen address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = ""
			},
			wantErr: true,
		},
		{name: "metrics disabled ignores listen address", modify: func(c *Config) { c.Metrics.Listen = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateReportsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxConnections = -1
	cfg.Queue.DB = 99

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.max_connections")
	assert.Contains(t, err.Error(), "queue.db")
}

func TestLoadConfig_DefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoadConfig(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := DefaultConfig()
			original.Pool.Name = "mailer"
			original.Pool.MaxConnections = 4
			original.Pool.MaxIdleConnections = 1
			original.Pool.DiffOrder = "remove-first"
			original.Retry.BackoffUnit = Duration(250 * time.Millisecond)
			original.Queue.DefaultTube = "emails"
			original.Breaker.Timeout = Duration(10 * time.Second)

			require.NoError(t, SaveConfig(original, path))
			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, original, loaded)
		})
	}
}

func TestLoadConfig_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statepool.toml")
	data := `
[pool]
name = "workers"
max_connections = 3
max_idle_connections = 1

[retry]
put_retries = 5
backoff_unit = "100ms"

[queue]
addr = "redis.internal:6380"
db = 2
key_prefix = "jobs"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "workers", cfg.Pool.Name)
	assert.Equal(t, 3, cfg.Pool.MaxConnections)
	assert.Equal(t, 1, cfg.Pool.MaxIdleConnections)
	assert.Equal(t, "add-first", cfg.Pool.DiffOrder)
	assert.Equal(t, 5, cfg.Retry.PutRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BackoffUnit.Std())
	assert.Equal(t, "redis.internal:6380", cfg.Queue.Addr)
	assert.Equal(t, 2, cfg.Queue.DB)
	assert.Equal(t, "jobs", cfg.Queue.KeyPrefix)
	assert.Equal(t, DefaultTube, cfg.Queue.DefaultTube)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statepool.yml")
	data := `
pool:
  max_connections: 8
retry:
  reserve_retries: 2
  backoff_unit: 2s
breaker:
  failure_threshold: 1
  timeout: 1m
metrics:
  enabled: true
  listen: ":9100"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pool.MaxConnections)
	assert.Equal(t, 2, cfg.Retry.ReserveRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.BackoffUnit.Std())
	assert.Equal(t, 1, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Timeout.Std())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is not [valid toml"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  backoff_unit: soon\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[queue]\ndb = 42\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSaveConfig_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new", "nested", "config.toml")

	require.NoError(t, SaveConfig(DefaultConfig(), path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("STATEPOOL_POOL_NAME", "env-pool")
	t.Setenv("STATEPOOL_MAX_CONNECTIONS", "7")
	t.Setenv("STATEPOOL_MAX_IDLE_CONNECTIONS", "3")
	t.Setenv("STATEPOOL_DIFF_ORDER", "remove-first")
	t.Setenv("STATEPOOL_PUT_RETRIES", "9")
	t.Setenv("STATEPOOL_BACKOFF_UNIT", "20ms")
	t.Setenv("STATEPOOL_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("STATEPOOL_REDIS_DB", "4")
	t.Setenv("STATEPOOL_DEFAULT_TUBE", "urgent")
	t.Setenv("STATEPOOL_METRICS_ENABLED", "true")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "env-pool", cfg.Pool.Name)
	assert.Equal(t, 7, cfg.Pool.MaxConnections)
	assert.Equal(t, 3, cfg.Pool.MaxIdleConnections)
	assert.Equal(t, "remove-first", cfg.Pool.DiffOrder)
	assert.Equal(t, 9, cfg.Retry.PutRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.Retry.BackoffUnit.Std())
	assert.Equal(t, "10.0.0.5:6379", cfg.Queue.Addr)
	assert.Equal(t, 4, cfg.Queue.DB)
	assert.Equal(t, "urgent", cfg.Queue.DefaultTube)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestApplyEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("STATEPOOL_MAX_CONNECTIONS", "many")
	t.Setenv("STATEPOOL_BACKOFF_UNIT", "later")
	t.Setenv("STATEPOOL_METRICS_ENABLED", "perhaps")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, DefaultMaxConnections, cfg.Pool.MaxConnections)
	assert.Equal(t, DefaultBackoffUnit, cfg.Retry.BackoffUnit.Std())
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pool]\nmax_connections = 3\n"), 0o600))
	t.Setenv("STATEPOOL_MAX_CONNECTIONS", "6")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pool.MaxConnections)
}

func TestLoadConfig_EnvOverridesAreValidated(t *testing.T) {
	t.Setenv("STATEPOOL_MAX_CONNECTIONS", "-2")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.Name = "mailer"
	cfg.Pool.MaxConnections = 5
	cfg.Pool.MaxIdleConnections = 2
	cfg.Pool.DiffOrder = "remove-first"
	cfg.Retry.BackoffUnit = Duration(time.Millisecond)
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.Timeout = Duration(time.Minute)
	cfg.Breaker.CheckInterval = Duration(time.Second)

	pc := cfg.PoolSettings()
	assert.Equal(t, "mailer", pc.Name)
	assert.Equal(t, 5, pc.MaxConnections)
	assert.Equal(t, 2, pc.MaxIdleConnections)
	assert.Equal(t, time.Millisecond, pc.RetryUnit)
	assert.NotNil(t, pc.ProcessID)

	bc := cfg.BreakerSettings()
	assert.Equal(t, 2, bc.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Minute, bc.CircuitBreaker.Timeout)
	assert.Equal(t, time.Second, bc.CheckInterval)

	order, err := cfg.Order()
	require.NoError(t, err)
	assert.Equal(t, state.RemoveFirst, order)
}
