// Package retry provides the retry-with-reconnect decorator used around
// backend calls.
//
// A Retrier runs an operation, and when it fails with a retryable error it
// sleeps with capped exponential backoff, reconnects the connection the
// operation was using (which also restores its declared state) and tries
// again. The backoff sequence is 1, 2, 4, 4, 4... units.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/go-i2p/statepool/lib/errors"
)

// maxShift caps the backoff at Unit << maxShift.
const maxShift = 2

// Reconnector is implemented by connections that can repair themselves.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Executor runs a backend call, optionally translating its error.
type Executor func(fn func() error) error

// Decision is an observer's verdict on a failed attempt.
type Decision int

const (
	// Continue keeps the default ShouldRetry verdict.
	Continue Decision = iota
	// Force retries even if ShouldRetry said no. The retry bound still applies.
	Force
	// Suppress stops retrying and returns the error.
	Suppress
)

// Observer is called after every failed attempt with the zero-based attempt
// number, the error and the delay that will precede the next attempt.
type Observer func(attempt int, err error, delay time.Duration) Decision

// Config configures a Retrier.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// Retry is the maximum number of retries after the first attempt.
	// 0 means retry forever; bound the call with a context deadline.
	Retry int
	// Unit is the base backoff delay.
	// Default: 1 second
	Unit time.Duration
	// ShouldRetry reports whether an error is retryable.
	// Default: errors.Is(err, ErrTransient)
	ShouldRetry func(error) bool
	// OnRetry observes failures and may force or suppress a retry.
	OnRetry Observer
	// Execute wraps every call and reconnect, e.g. to translate errors.
	Execute Executor
	// Sleep waits between attempts. Default: a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:  "default",
		Retry: 0,
		Unit:  time.Second,
	}
}

// Retrier runs operations with retry and reconnect.
type Retrier struct {
	cfg Config
}

// New creates a Retrier. A negative retry count is a configuration error.
func New(cfg Config) (*Retrier, error) {
	if cfg.Retry < 0 {
		return nil, fmt.Errorf("retry must not be negative, got %d: %w", cfg.Retry, apperrors.ErrRetryConfig)
	}
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = apperrors.IsTransient
	}
	if cfg.Execute == nil {
		cfg.Execute = func(fn func() error) error { return fn() }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return &Retrier{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (r *Retrier) Config() Config {
	return r.cfg
}

// Backoff returns the delay after a failure of the given zero-based attempt:
// Unit, 2*Unit, then 4*Unit for every later attempt.
func (r *Retrier) Backoff(attempt int) time.Duration {
	shift := attempt
	if shift > maxShift {
		shift = maxShift
	}
	if shift < 0 {
		shift = 0
	}
	return r.cfg.Unit << uint(shift)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retry bound is reached. Before every retry, target is reconnected if it
// implements Reconnector; target may be nil.
func (r *Retrier) Do(ctx context.Context, target any, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := r.attempt(ctx, attempt, target, fn)
		if err == nil {
			if attempt > 0 {
				log.WithField("retrier", r.cfg.Name).WithField("attempts", attempt+1).Debug("operation succeeded after retry")
			}
			return nil
		}
		retryAttemptsFailed.WithLabelValues(r.cfg.Name).Inc()

		delay := r.Backoff(attempt)
		retryable := r.cfg.ShouldRetry(err)
		if r.cfg.OnRetry != nil {
			switch r.cfg.OnRetry(attempt, err, delay) {
			case Force:
				retryable = true
			case Suppress:
				retryable = false
			}
		}

		if !retryable {
			return err
		}
		if r.cfg.Retry > 0 && attempt >= r.cfg.Retry {
			retryExhausted.WithLabelValues(r.cfg.Name).Inc()
			log.WithField("retrier", r.cfg.Name).
				WithField("attempts", attempt+1).
				WithError(err).
				Warn("retries exhausted")
			return err
		}

		log.WithField("retrier", r.cfg.Name).
			WithField("attempt", attempt).
			WithField("delay", delay.String()).
			WithError(err).
			Debug("retrying after failure")

		if serr := r.cfg.Sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry canceled after %d attempts: %w", attempt+1, errors.Join(serr, err))
		}
	}
}

// attempt runs one try, reconnecting target first when it is a retry.
func (r *Retrier) attempt(ctx context.Context, attempt int, target any, fn func(ctx context.Context) error) error {
	if attempt > 0 && target != nil {
		if rc, ok := target.(Reconnector); ok {
			retryReconnects.WithLabelValues(r.cfg.Name).Inc()
			if err := r.cfg.Execute(func() error { return rc.Reconnect(ctx) }); err != nil {
				log.WithField("retrier", r.cfg.Name).WithError(err).Debug("reconnect before retry failed")
				return err
			}
		}
	}
	return r.cfg.Execute(func() error { return fn(ctx) })
}

// Call is Do for operations that return a value.
func Call[T any](ctx context.Context, r *Retrier, target any, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, target, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Wrap decorates fn so that every call is retried with r, reconnecting the
// connection that loc finds among the call's arguments. An invalid locator
// is reported here rather than on the first call.
func Wrap[T any](r *Retrier, loc Locator, fn func(ctx context.Context, args Args) (T, error)) (func(ctx context.Context, args Args) (T, error), error) {
	if r == nil || fn == nil {
		return nil, fmt.Errorf("retrier and function are required: %w", apperrors.ErrRetryConfig)
	}
	if err := loc.validate(); err != nil {
		return nil, err
	}

	return func(ctx context.Context, args Args) (T, error) {
		target, err := loc.Locate(args)
		if err != nil {
			var zero T
			return zero, err
		}
		return Call(ctx, r, target, func(ctx context.Context) (T, error) {
			return fn(ctx, args)
		})
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
