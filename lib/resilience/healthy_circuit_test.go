package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCheck struct {
	calls int
	err   error
}

func (p *fakeCheck) run(ctx context.Context) error {
	p.calls++
	return p.err
}

func TestHealthyCircuitDefaultConfig(t *testing.T) {
	cfg := DefaultHealthyCircuitConfig()
	if cfg.CheckInterval <= 0 {
		t.Error("CheckInterval should be positive")
	}
	if cfg.CheckTimeout <= 0 {
		t.Error("CheckTimeout should be positive")
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		t.Error("CircuitBreaker.FailureThreshold should be positive")
	}
}

func TestHealthyCircuitInitialState(t *testing.T) {
	hc := NewHealthyCircuit("test", nil, DefaultHealthyCircuitConfig())

	if !hc.IsHealthy() {
		t.Error("expected initial state to be healthy")
	}
	if hc.CircuitState() != CircuitClosed {
		t.Errorf("expected initial circuit state Closed, got %v", hc.CircuitState())
	}
	if !hc.Allow() {
		t.Error("expected Allow to return true initially")
	}
	if !hc.Check(context.Background()) {
		t.Error("a circuit without a health check is always healthy")
	}
}

func TestHealthyCircuitStats(t *testing.T) {
	hc := NewHealthyCircuit("test-stats", nil, DefaultHealthyCircuitConfig())

	stats := hc.Stats()
	if !stats.IsHealthy {
		t.Error("expected initial health to be true")
	}
	if stats.CircuitBreaker.State != CircuitClosed {
		t.Errorf("expected circuit state Closed, got %v", stats.CircuitBreaker.State)
	}
	if stats.CircuitBreaker.Name != "test-stats" {
		t.Errorf("expected name test-stats, got %s", stats.CircuitBreaker.Name)
	}
}

func TestHealthyCircuitChecksWhileOpen(t *testing.T) {
	check := &fakeCheck{err: errors.New("connection refused")}
	cfg := HealthyCircuitConfig{
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    1,
			SuccessThreshold:    1,
			Timeout:             time.Hour,
			MaxHalfOpenRequests: 1,
		},
		CheckInterval: time.Millisecond,
	}
	hc := NewHealthyCircuit("test-check", check.run, cfg)

	dialErr := errors.New("dial failed")
	err := hc.ExecuteWithContext(context.Background(), func(context.Context) error { return dialErr })
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if hc.CircuitState() != CircuitOpen {
		t.Fatalf("expected open circuit, got %v", hc.CircuitState())
	}

	// Failing health check keeps the circuit open.
	time.Sleep(2 * time.Millisecond)
	err = hc.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if check.calls != 1 {
		t.Errorf("expected 1 health check, got %d", check.calls)
	}
	if hc.IsHealthy() {
		t.Error("expected unhealthy after failed health check")
	}

	// A passing health check lets the next call through as a trial.
	check.err = nil
	time.Sleep(2 * time.Millisecond)
	executed := false
	err = hc.Execute(func() error {
		executed = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected trial call to pass, got %v", err)
	}
	if !executed {
		t.Error("expected trial call to run")
	}
	if hc.CircuitState() != CircuitClosed {
		t.Errorf("expected closed circuit after successful trial, got %v", hc.CircuitState())
	}
	if hc.LastHealthy().IsZero() {
		t.Error("expected LastHealthy to be set")
	}
}

func TestHealthyCircuitRateLimitsChecks(t *testing.T) {
	check := &fakeCheck{err: errors.New("down")}
	cfg := HealthyCircuitConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour},
		CheckInterval:  time.Hour,
	}
	hc := NewHealthyCircuit("test-rate", check.run, cfg)
	hc.Circuit().ForceOpen()

	for i := 0; i < 5; i++ {
		_ = hc.Execute(func() error { return nil })
	}
	if check.calls != 1 {
		t.Errorf("expected a single health check per interval, got %d", check.calls)
	}
	if hc.LastCheck().IsZero() {
		t.Error("expected LastCheck to be set")
	}
}

func TestHealthyCircuitReset(t *testing.T) {
	check := &fakeCheck{err: errors.New("down")}
	hc := NewHealthyCircuit("test", check.run, DefaultHealthyCircuitConfig())
	hc.Circuit().ForceOpen()
	hc.Check(context.Background())

	hc.Reset()
	if !hc.IsHealthy() {
		t.Error("expected healthy after reset")
	}
	if hc.CircuitState() != CircuitClosed {
		t.Errorf("expected closed after reset, got %v", hc.CircuitState())
	}
}
