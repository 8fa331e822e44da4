package resilience

import (
	"context"
	"sync"
	"time"
)

// HealthCheck checks whether the backend is reachable, e.g. with a PING.
type HealthCheck func(ctx context.Context) error

// HealthyCircuitConfig configures a circuit breaker that checks the backend
// while open.
type HealthyCircuitConfig struct {
	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig

	// CheckInterval is the minimum time between health checks.
	CheckInterval time.Duration
	// CheckTimeout bounds a single health check.
	CheckTimeout time.Duration
}

// DefaultHealthyCircuitConfig returns sensible defaults.
func DefaultHealthyCircuitConfig() HealthyCircuitConfig {
	return HealthyCircuitConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		CheckInterval:  5 * time.Second,
		CheckTimeout:   2 * time.Second,
	}
}

// HealthyCircuit is a circuit breaker that, while open, checks the backend
// on demand instead of waiting out the full timeout. A passing health check
// lets the next request through as a half-open trial. Health checks run on
// the calling goroutine, at most once per CheckInterval.
type HealthyCircuit struct {
	mu     sync.RWMutex
	config HealthyCircuitConfig
	check  HealthCheck

	// Circuit breaker
	circuit *CircuitBreaker

	// Health check state
	lastCheck   time.Time
	lastHealthy time.Time
	isHealthy   bool
}

// NewHealthyCircuit creates a circuit breaker that runs check while open.
func NewHealthyCircuit(name string, check HealthCheck, cfg HealthyCircuitConfig) *HealthyCircuit {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultHealthyCircuitConfig().CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultHealthyCircuitConfig().CheckTimeout
	}

	hc := &HealthyCircuit{
		config:    cfg,
		check:     check,
		circuit:   NewCircuitBreaker(name, cfg.CircuitBreaker),
		isHealthy: true, // Optimistic start
	}
	hc.circuit.SetStateChangeCallback(func(from, to CircuitState) {
		log.WithField("name", name).
			WithField("from", from.String()).
			WithField("to", to.String()).
			Debug("circuit state changed")
	})
	return hc
}

// ExecuteWithContext runs fn through the breaker, checking health first if
// the circuit is open and a health check is due.
func (hc *HealthyCircuit) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if hc.circuit.IsOpen() && hc.checkDue() {
		hc.Check(ctx)
	}
	return hc.circuit.ExecuteWithContext(ctx, fn)
}

// Execute runs fn through the breaker without a context.
func (hc *HealthyCircuit) Execute(fn func() error) error {
	return hc.ExecuteWithContext(context.Background(), func(context.Context) error { return fn() })
}

func (hc *HealthyCircuit) checkDue() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.check != nil && time.Since(hc.lastCheck) >= hc.config.CheckInterval
}

// Check runs the health check now and reports whether it passed. A pass
// while the circuit is open moves it to half-open.
func (hc *HealthyCircuit) Check(ctx context.Context) bool {
	if hc.check == nil {
		return true
	}

	hc.mu.Lock()
	hc.lastCheck = time.Now()
	hc.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, hc.config.CheckTimeout)
	defer cancel()
	err := hc.check(pctx)
	healthy := err == nil

	hc.mu.Lock()
	hc.isHealthy = healthy
	if healthy {
		hc.lastHealthy = time.Now()
	}
	hc.mu.Unlock()

	if !healthy {
		circuitHealthChecks.WithLabelValues(hc.circuit.Name(), "fail").Inc()
		log.WithField("circuit", hc.circuit.Name()).WithError(err).Debug("backend health check failed")
		return false
	}

	circuitHealthChecks.WithLabelValues(hc.circuit.Name(), "pass").Inc()
	if hc.circuit.IsOpen() {
		hc.circuit.halfOpen()
	}
	return true
}

// Allow checks if operations should be allowed based on circuit state.
func (hc *HealthyCircuit) Allow() bool {
	return hc.circuit.Allow()
}

// CircuitState returns the current circuit breaker state.
func (hc *HealthyCircuit) CircuitState() CircuitState {
	return hc.circuit.State()
}

// Circuit returns the underlying breaker.
func (hc *HealthyCircuit) Circuit() *CircuitBreaker {
	return hc.circuit
}

// IsHealthy returns true if the last health check passed.
func (hc *HealthyCircuit) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.isHealthy
}

// LastCheck returns the time of the last health check.
func (hc *HealthyCircuit) LastCheck() time.Time {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.lastCheck
}

// LastHealthy returns when the backend last passed a health check.
func (hc *HealthyCircuit) LastHealthy() time.Time {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.lastHealthy
}

// Stats returns combined health and circuit breaker statistics.
func (hc *HealthyCircuit) Stats() HealthyCircuitStats {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return HealthyCircuitStats{
		IsHealthy:      hc.isHealthy,
		LastCheck:      hc.lastCheck,
		LastHealthy:    hc.lastHealthy,
		CircuitBreaker: hc.circuit.Stats(),
	}
}

// HealthyCircuitStats holds combined statistics.
type HealthyCircuitStats struct {
	IsHealthy      bool
	LastCheck      time.Time
	LastHealthy    time.Time
	CircuitBreaker CircuitBreakerStats
}

// Reset resets both the circuit breaker and health state.
func (hc *HealthyCircuit) Reset() {
	hc.mu.Lock()
	hc.isHealthy = true
	hc.lastCheck = time.Time{}
	hc.mu.Unlock()
	hc.circuit.Reset()
}
