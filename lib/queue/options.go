package queue

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-i2p/statepool/lib/config"
	"github.com/go-i2p/statepool/lib/pool"
	"github.com/go-i2p/statepool/lib/resilience"
	"github.com/go-i2p/statepool/lib/state"
)

// Options configures a Client.
type Options struct {
	// Addr is the Redis host:port.
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key the queue writes.
	KeyPrefix string
	// DefaultTube is used and watched by every new connection.
	DefaultTube string
	// DialTimeout bounds connecting.
	DialTimeout time.Duration
	// PutRate limits puts per second and tube; 0 means unlimited.
	PutRate  float64
	PutBurst int

	// Pool bounds the connection pool. Execute is always replaced by
	// Translate and Guard by the client's circuit.
	Pool pool.Config
	// Breaker configures the circuit guarding new connections.
	Breaker resilience.HealthyCircuitConfig
	// Order is the replay order of watched tubes.
	Order state.Order

	// PutRetries bounds retries of Put.
	PutRetries int
	// ReserveRetries bounds retries of Reserve; 0 retries until the
	// context ends.
	ReserveRetries int
	// AcquireRetries bounds retries of checking out a connection when the
	// pool is at capacity or cannot connect. 0 tries once.
	AcquireRetries int
}

// DefaultOptions returns Options matching config.DefaultConfig.
func DefaultOptions() Options {
	opts, _ := FromConfig(config.DefaultConfig())
	return opts
}

// FromConfig builds Options from a loaded configuration.
func FromConfig(cfg *config.Config) (Options, error) {
	order, err := cfg.Order()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Addr:           cfg.Queue.Addr,
		Password:       cfg.Queue.Password,
		DB:             cfg.Queue.DB,
		KeyPrefix:      cfg.Queue.KeyPrefix,
		DefaultTube:    cfg.Queue.DefaultTube,
		DialTimeout:    cfg.Queue.DialTimeout.Std(),
		PutRate:        cfg.Queue.PutRate,
		PutBurst:       cfg.Queue.PutBurst,
		Pool:           cfg.PoolSettings(),
		Breaker:        cfg.BreakerSettings(),
		Order:          order,
		PutRetries:     cfg.Retry.PutRetries,
		ReserveRetries: cfg.Retry.ReserveRetries,
		AcquireRetries: cfg.Retry.AcquireRetries,
	}, nil
}

// redisOptions returns single-connection client options. Pooling and
// retries belong to the statepool layer, so go-redis does neither.
func (o Options) redisOptions() *redis.Options {
	return &redis.Options{
		Addr:                  o.Addr,
		Password:              o.Password,
		DB:                    o.DB,
		DialTimeout:           o.DialTimeout,
		PoolSize:              1,
		MaxIdleConns:          1,
		MaxRetries:            -1,
		ContextTimeoutEnabled: true,
		DisableIdentity:       true,
	}
}
