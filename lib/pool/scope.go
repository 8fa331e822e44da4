package pool

import (
	"context"
	"fmt"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/retry"
)

// Scope is one acquire/release pair. Enter checks a connection out and
// Exit returns it, marking it broken first if the scoped work failed.
type Scope[C any] struct {
	pool     *Pool[C]
	retrier  *retry.Retrier
	conn     *Conn[C]
	released bool
}

// Connect returns a scope that acquires once.
func (p *Pool[C]) Connect() *Scope[C] {
	return &Scope[C]{pool: p}
}

// Connecting returns a scope whose Enter retries transient, capacity and
// circuit-open failures up to retries times; 0 retries until ctx is done.
func (p *Pool[C]) Connecting(retries int) (*Scope[C], error) {
	cfg := retry.DefaultConfig()
	cfg.Name = p.name + "-acquire"
	cfg.Retry = retries
	cfg.Unit = p.cfg.RetryUnit
	cfg.ShouldRetry = func(err error) bool {
		return apperrors.IsTransient(err) ||
			apperrors.IsCapacityExceeded(err) ||
			apperrors.Is(err, apperrors.ErrCircuitOpen)
	}
	r, err := retry.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Scope[C]{pool: p, retrier: r}, nil
}

// Enter acquires the scope's connection.
func (s *Scope[C]) Enter(ctx context.Context) (*Conn[C], error) {
	if s.conn != nil {
		return s.conn, nil
	}

	var (
		conn *Conn[C]
		err  error
	)
	if s.retrier != nil {
		conn, err = retry.Call(ctx, s.retrier, nil, s.pool.Acquire)
	} else {
		conn, err = s.pool.Acquire(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// Conn returns the entered connection, nil before Enter.
func (s *Scope[C]) Conn() *Conn[C] {
	return s.conn
}

// Exit releases the connection exactly once. A non-nil err marks the
// connection broken so it is closed rather than reused. Exit returns err
// unchanged.
func (s *Scope[C]) Exit(err error) error {
	if s.conn == nil || s.released {
		return err
	}
	if err != nil {
		s.conn.MarkBroken()
	}
	s.released = true
	s.pool.Release(s.conn)
	return err
}

// With runs fn on a freshly acquired connection and releases it afterwards.
// A panic in fn marks the connection broken and is re-raised after release.
func (p *Pool[C]) With(ctx context.Context, fn func(ctx context.Context, conn *Conn[C]) error) error {
	return p.run(ctx, p.Connect(), fn)
}

// WithRetry is With using Connecting(retries) to acquire.
func (p *Pool[C]) WithRetry(ctx context.Context, retries int, fn func(ctx context.Context, conn *Conn[C]) error) error {
	s, err := p.Connecting(retries)
	if err != nil {
		return err
	}
	return p.run(ctx, s, fn)
}

func (p *Pool[C]) run(ctx context.Context, s *Scope[C], fn func(ctx context.Context, conn *Conn[C]) error) (err error) {
	conn, err := s.Enter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.Exit(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		err = s.Exit(err)
	}()
	return fn(ctx, conn)
}
