// Package config loads statepool settings from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/statepool/lib/pool"
	"github.com/go-i2p/statepool/lib/resilience"
	"github.com/go-i2p/statepool/lib/state"
	"github.com/go-i2p/statepool/lib/validation"
)

// Default configuration values.
const (
	DefaultMaxConnections     = 10
	DefaultMaxIdleConnections = 2
	DefaultPutRetries         = 3
	DefaultBackoffUnit        = time.Second
	DefaultAddr               = "127.0.0.1:6379"
	DefaultKeyPrefix          = "statepool"
	DefaultTube               = "default"
	DefaultDialTimeout        = 5 * time.Second
	DefaultPutBurst           = 10
	DefaultMetricsListen      = "127.0.0.1:9190"
)

// Duration is a time.Duration written as a Go duration string ("250ms",
// "5s") in both TOML and YAML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the statepool configuration.
type Config struct {
	Pool    PoolConfig    `toml:"pool" yaml:"pool"`
	Retry   RetryConfig   `toml:"retry" yaml:"retry"`
	Queue   QueueConfig   `toml:"queue" yaml:"queue"`
	Breaker BreakerConfig `toml:"breaker" yaml:"breaker"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	// Name labels logs and metrics.
	Name string `toml:"name" yaml:"name"`
	// MaxConnections is the bound on open connections. 0 means unbounded.
	MaxConnections int `toml:"max_connections" yaml:"max_connections"`
	// MaxIdleConnections is how many released connections are kept.
	MaxIdleConnections int `toml:"max_idle_connections" yaml:"max_idle_connections"`
	// DiffOrder is "add-first" or "remove-first".
	DiffOrder string `toml:"diff_order" yaml:"diff_order"`
}

// RetryConfig sets the retry bounds of the queue operations.
type RetryConfig struct {
	// PutRetries bounds retries of Put.
	PutRetries int `toml:"put_retries" yaml:"put_retries"`
	// ReserveRetries bounds retries of Reserve. 0 retries until the
	// context ends.
	ReserveRetries int `toml:"reserve_retries" yaml:"reserve_retries"`
	// AcquireRetries bounds retries of a connection checkout.
	AcquireRetries int `toml:"acquire_retries" yaml:"acquire_retries"`
	// BackoffUnit is the base delay between attempts.
	BackoffUnit Duration `toml:"backoff_unit" yaml:"backoff_unit"`
}

// QueueConfig locates the Redis server backing the job queue.
type QueueConfig struct {
	Addr        string   `toml:"addr" yaml:"addr"`
	Password    string   `toml:"password" yaml:"password"`
	DB          int      `toml:"db" yaml:"db"`
	KeyPrefix   string   `toml:"key_prefix" yaml:"key_prefix"`
	DefaultTube string   `toml:"default_tube" yaml:"default_tube"`
	DialTimeout Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	// PutRate limits puts per second and tube. 0 means unlimited.
	PutRate  float64 `toml:"put_rate" yaml:"put_rate"`
	PutBurst int     `toml:"put_burst" yaml:"put_burst"`
}

// BreakerConfig configures the circuit breaker guarding new connections.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `toml:"success_threshold" yaml:"success_threshold"`
	Timeout          Duration `toml:"timeout" yaml:"timeout"`
	// CheckInterval is the minimum time between health checks while open.
	CheckInterval Duration `toml:"check_interval" yaml:"check_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	breaker := resilience.DefaultCircuitBreakerConfig()
	return &Config{
		Pool: PoolConfig{
			Name:               "default",
			MaxConnections:     DefaultMaxConnections,
			MaxIdleConnections: DefaultMaxIdleConnections,
			DiffOrder:          state.AddFirst.String(),
		},
		Retry: RetryConfig{
			PutRetries:  DefaultPutRetries,
			BackoffUnit: Duration(DefaultBackoffUnit),
		},
		Queue: QueueConfig{
			Addr:        DefaultAddr,
			KeyPrefix:   DefaultKeyPrefix,
			DefaultTube: DefaultTube,
			DialTimeout: Duration(DefaultDialTimeout),
			PutBurst:    DefaultPutBurst,
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			SuccessThreshold: breaker.SuccessThreshold,
			Timeout:          Duration(breaker.Timeout),
			CheckInterval:    Duration(resilience.DefaultHealthyCircuitConfig().CheckInterval),
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetricsListen,
		},
	}
}

// LoadConfig loads configuration from a file. Files ending in .yaml or .yml
// are read as YAML, anything else as TOML. A missing file yields the
// defaults. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.WithField("path", path).Debug("config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = toml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.WithField("path", path).Debug("loaded config")
	return cfg, nil
}

// ApplyEnvOverrides overrides settings from STATEPOOL_* environment
// variables. Unparseable values are logged and skipped.
func (c *Config) ApplyEnvOverrides() {
	envString("STATEPOOL_POOL_NAME", &c.Pool.Name)
	envInt("STATEPOOL_MAX_CONNECTIONS", &c.Pool.MaxConnections)
	envInt("STATEPOOL_MAX_IDLE_CONNECTIONS", &c.Pool.MaxIdleConnections)
	envString("STATEPOOL_DIFF_ORDER", &c.Pool.DiffOrder)
	envInt("STATEPOOL_PUT_RETRIES", &c.Retry.PutRetries)
	envInt("STATEPOOL_RESERVE_RETRIES", &c.Retry.ReserveRetries)
	envInt("STATEPOOL_ACQUIRE_RETRIES", &c.Retry.AcquireRetries)
	envDuration("STATEPOOL_BACKOFF_UNIT", &c.Retry.BackoffUnit)
	envString("STATEPOOL_REDIS_ADDR", &c.Queue.Addr)
	envString("STATEPOOL_REDIS_PASSWORD", &c.Queue.Password)
	envInt("STATEPOOL_REDIS_DB", &c.Queue.DB)
	envString("STATEPOOL_KEY_PREFIX", &c.Queue.KeyPrefix)
	envString("STATEPOOL_DEFAULT_TUBE", &c.Queue.DefaultTube)
	envString("STATEPOOL_METRICS_LISTEN", &c.Metrics.Listen)
	if v, ok := os.LookupEnv("STATEPOOL_METRICS_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			log.WithField("var", "STATEPOOL_METRICS_ENABLED").WithError(err).Warn("ignoring invalid environment override")
		} else {
			c.Metrics.Enabled = enabled
		}
	}
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithField("var", name).WithError(err).Warn("ignoring invalid environment override")
		return
	}
	*dst = n
}

func envDuration(name string, dst *Duration) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	if err := dst.UnmarshalText([]byte(v)); err != nil {
		log.WithField("var", name).WithError(err).Warn("ignoring invalid environment override")
	}
}

// SaveConfig writes the configuration to a file, as YAML for .yaml and .yml
// paths and as TOML otherwise.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.Required("pool.name", c.Pool.Name))
	errs.Add(validation.NonNegative("pool.max_connections", c.Pool.MaxConnections))
	errs.Add(validation.NonNegative("pool.max_idle_connections", c.Pool.MaxIdleConnections))
	errs.Add(validation.OneOf("pool.diff_order", c.Pool.DiffOrder,
		state.AddFirst.String(), state.RemoveFirst.String()))

	errs.Add(validation.NonNegative("retry.put_retries", c.Retry.PutRetries))
	errs.Add(validation.NonNegative("retry.reserve_retries", c.Retry.ReserveRetries))
	errs.Add(validation.NonNegative("retry.acquire_retries", c.Retry.AcquireRetries))
	if c.Retry.BackoffUnit <= 0 {
		errs.Add(errors.New("retry.backoff_unit must be positive"))
	}

	errs.Add(validation.HostPort("queue.addr", c.Queue.Addr))
	errs.Add(validation.DB("queue.db", c.Queue.DB))
	errs.Add(validation.KeyPrefix("queue.key_prefix", c.Queue.KeyPrefix))
	errs.Add(validation.TubeName("queue.default_tube", c.Queue.DefaultTube))
	if c.Queue.DialTimeout <= 0 {
		errs.Add(errors.New("queue.dial_timeout must be positive"))
	}
	if c.Queue.PutRate < 0 {
		errs.Add(errors.New("queue.put_rate must not be negative"))
	}
	if c.Queue.PutRate > 0 {
		errs.Add(validation.Positive("queue.put_burst", c.Queue.PutBurst))
	}

	errs.Add(validation.Positive("breaker.failure_threshold", c.Breaker.FailureThreshold))
	errs.Add(validation.Positive("breaker.success_threshold", c.Breaker.SuccessThreshold))
	if c.Breaker.Timeout <= 0 {
		errs.Add(errors.New("breaker.timeout must be positive"))
	}

	if c.Metrics.Enabled {
		errs.Add(validation.HostPort("metrics.listen", c.Metrics.Listen))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Order returns the configured diff order.
func (c *Config) Order() (state.Order, error) {
	return state.ParseOrder(c.Pool.DiffOrder)
}

// PoolSettings converts the [pool] and [retry] sections into a pool.Config.
// Executor and guard are left for the caller to set.
func (c *Config) PoolSettings() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.Name = c.Pool.Name
	cfg.MaxConnections = c.Pool.MaxConnections
	cfg.MaxIdleConnections = c.Pool.MaxIdleConnections
	cfg.RetryUnit = c.Retry.BackoffUnit.Std()
	return cfg
}

// BreakerSettings converts the [breaker] section into a health-checked
// circuit configuration.
func (c *Config) BreakerSettings() resilience.HealthyCircuitConfig {
	cfg := resilience.DefaultHealthyCircuitConfig()
	cfg.CircuitBreaker.FailureThreshold = c.Breaker.FailureThreshold
	cfg.CircuitBreaker.SuccessThreshold = c.Breaker.SuccessThreshold
	cfg.CircuitBreaker.Timeout = c.Breaker.Timeout.Std()
	if c.Breaker.CheckInterval > 0 {
		cfg.CheckInterval = c.Breaker.CheckInterval.Std()
	}
	return cfg
}
