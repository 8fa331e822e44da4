// Package errors provides structured error types for statepool.
//
// This package provides:
//   - Sentinel errors for the pool's failure taxonomy
//   - Error codes for categorizing failures in metrics and CLI output
//   - Helpers to mark backend errors as transient
//
// The taxonomy is small on purpose. Callers match with errors.Is:
//
//	ErrCapacityExceeded  pool is at max connections, never retried internally
//	ErrConfiguration     invalid constructor arguments or retry locator
//	ErrTransient         the retryable condition recognized by lib/retry
//	ErrSynchronization   a setter or unsetter failed during checkout
//	ErrCapability        reconnect requested on a handle that cannot reconnect
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors.
const (
	CodeInternal          = 1000 // Internal error
	CodeInvalidInput      = 1001 // Invalid input
	CodeConfiguration     = 1002 // Configuration error
	CodeCapacityExceeded  = 1003 // Pool is at capacity
	CodeTransient         = 1004 // Retryable backend failure
	CodeSynchronization   = 1005 // State synchronization failed
	CodeCapability        = 1006 // Handle lacks a required capability
	CodeClosed            = 1007 // Resource is closed
	CodeState             = 1008 // Invalid state or state kind
	CodeUnavailable       = 1009 // Service unavailable
	CodeTimeout           = 1010 // Operation timeout
	CodeNotFound          = 1011 // Resource not found
	CodeConnection        = 1012 // Connection error
	CodeCircuitOpen       = 1013 // Circuit breaker rejected the call
	CodeProtocolRejection = 1014 // Backend refused the request
)

// Base sentinel errors.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Pool errors
var (
	// ErrCapacityExceeded indicates the pool already created max connections.
	ErrCapacityExceeded = errors.New("pool: too many connections")

	// ErrPoolClosed indicates the pool has been closed.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrPoolConfig indicates an invalid pool configuration.
	ErrPoolConfig = fmt.Errorf("pool: %w", ErrConfiguration)

	// ErrCapability indicates the raw handle does not support an operation.
	ErrCapability = errors.New("pool: capability not supported")
)

// State errors
var (
	// ErrSynchronization indicates a setter or unsetter failed during checkout.
	ErrSynchronization = errors.New("state: synchronization failed")

	// ErrStateKind indicates an exclusive key was used as cumulative or vice versa.
	ErrStateKind = fmt.Errorf("state: kind mismatch: %w", ErrInvalidState)

	// ErrRegistrySealed indicates registration after the pool was built.
	ErrRegistrySealed = fmt.Errorf("state: registry sealed: %w", ErrConfiguration)

	// ErrNoSetter indicates no setter or unsetter is registered for a key.
	ErrNoSetter = fmt.Errorf("state: no setter registered: %w", ErrConfiguration)
)

// Retry errors
var (
	// ErrTransient marks a backend failure as retryable.
	ErrTransient = errors.New("transient backend failure")

	// ErrRetryConfig indicates an invalid retry configuration.
	ErrRetryConfig = fmt.Errorf("retry: %w", ErrConfiguration)

	// ErrLocator indicates the connection argument could not be located.
	ErrLocator = fmt.Errorf("retry: connection locator: %w", ErrConfiguration)
)

// Queue errors
var (
	// ErrNotIgnored indicates an attempt to ignore the last watched tube.
	ErrNotIgnored = errors.New("queue: cannot ignore the only watched tube")

	// ErrJobNotFound indicates the job does not exist or is not reserved.
	ErrJobNotFound = fmt.Errorf("queue: job %w", ErrNotFound)

	// ErrReserveTimeout indicates no job became ready before the timeout.
	ErrReserveTimeout = fmt.Errorf("queue: reserve %w", ErrTimeout)

	// ErrInvalidTube indicates a malformed tube name.
	ErrInvalidTube = fmt.Errorf("queue: tube name %w", ErrInvalidInput)
)

// Error is a structured error with a code and message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a short, human-readable message
	Message string `json:"message"`
	// Err is the underlying error
	Err error `json:"-"`
}

// Error implements the error interface.
// A Message that repeats the underlying error is not printed twice.
func (e *Error) Error() string {
	switch {
	case e.Err == nil || e.Message == e.Err.Error():
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// FromSentinel creates a structured error from a sentinel error.
// It assigns an error code based on the sentinel found in err's tree.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	log.WithField("code", code).WithError(err).Debug("classified error")
	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     err,
	}
}

// CodeOf maps sentinel errors to error codes.
func CodeOf(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}

	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrSynchronization):
		return CodeSynchronization
	case errors.Is(err, ErrTransient):
		return CodeTransient
	case errors.Is(err, ErrCapability):
		return CodeCapability
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrNotIgnored):
		return CodeProtocolRejection
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

// Transient marks err as retryable. The original error stays reachable
// through errors.Is/As. A nil error stays nil.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient returns true if the error is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsCapacityExceeded returns true if the pool was at capacity.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

// IsSynchronization returns true if checkout failed while applying state.
func IsSynchronization(err error) bool {
	return errors.Is(err, ErrSynchronization)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
