package resilience

import (
	"github.com/go-i2p/statepool/lib/metrics"
)

// Circuit breaker metrics, labeled by circuit name.
var (
	// circuitBreakerState tracks the current state of each circuit breaker.
	// 0 = closed, 1 = open, 2 = half-open
	circuitBreakerState = metrics.NewGaugeVec(
		"circuit_breaker_state",
		"Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		"circuit",
	)
	circuitBreakerTrips = metrics.NewCounterVec(
		"circuit_breaker_trips_total",
		"Total number of times circuit breakers have opened",
		"circuit",
	)
	circuitBreakerSuccesses = metrics.NewCounterVec(
		"circuit_breaker_successes_total",
		"Total successful operations through circuit breakers",
		"circuit",
	)
	circuitBreakerFailures = metrics.NewCounterVec(
		"circuit_breaker_failures_total",
		"Total failed operations through circuit breakers",
		"circuit",
	)
	circuitBreakerRejections = metrics.NewCounterVec(
		"circuit_breaker_rejections_total",
		"Total requests rejected by open circuit breakers",
		"circuit",
	)
	circuitHealthChecks = metrics.NewCounterVec(
		"circuit_health_checks_total",
		"Total health checks run by open circuits, by result",
		"circuit", "result",
	)
)
