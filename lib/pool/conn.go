package pool

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/state"
)

// ConnState is the lifecycle state of a pooled connection.
//
//	Connecting -> Connected -> InUse -> Connected      normal reuse
//	Connecting -> Closed                               dial failed
//	InUse -> Broken -> Closed                          failure
//	Connected -> Reconnecting -> Connected             repair
type ConnState int32

const (
	// Connecting means the connector is still dialing.
	Connecting ConnState = iota
	// Connected means the connection is open and idle or ready.
	Connected
	// InUse means the connection is checked out.
	InUse
	// Broken means the connection failed and must not be reused.
	Broken
	// Closed is terminal.
	Closed
	// Reconnecting means the raw handle is being reconnected.
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case InUse:
		return "in-use"
	case Broken:
		return "broken"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Reconnector is implemented by raw handles that can re-establish their
// underlying connection in place.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Conn wraps one raw backend handle owned by a Pool.
//
// A Conn is used by one goroutine at a time: it belongs to the pool while
// idle and to the caller between Acquire and Release.
type Conn[C any] struct {
	raw  C
	id   uint64
	pid  int
	gen  uint64
	pool *Pool[C]

	state atomic.Int32

	// actual is the state applied on raw. Mutated by the owner, and by
	// Declare/Attend/Ignore under pool.mu.
	actual state.State
}

// Raw returns the backend handle for direct calls.
func (c *Conn[C]) Raw() C {
	return c.raw
}

// ID returns a pool-unique identifier.
func (c *Conn[C]) ID() uint64 {
	return c.id
}

// PID returns the id of the process that created the connection.
func (c *Conn[C]) PID() int {
	return c.pid
}

// State returns the lifecycle state.
func (c *Conn[C]) State() ConnState {
	return ConnState(c.state.Load())
}

// MarkBroken flags the connection so Release discards it.
func (c *Conn[C]) MarkBroken() {
	c.setState(Broken)
}

func (c *Conn[C]) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Actual returns a copy of the state applied on the connection.
func (c *Conn[C]) Actual() state.State {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.actual.Clone()
}

// Do runs fn on the raw handle through the pool's executor.
func (c *Conn[C]) Do(fn func(raw C) error) error {
	if fn == nil {
		return nil
	}
	return c.pool.exec(func() error { return fn(c.raw) })
}

// Reconnect re-establishes the raw connection, resets its state to the
// defaults and synchronizes it back to the pool's desired state. Handles
// that cannot reconnect yield ErrCapability.
func (c *Conn[C]) Reconnect(ctx context.Context) error {
	rc, ok := any(c.raw).(Reconnector)
	if !ok {
		return fmt.Errorf("reconnect %T: %w", c.raw, apperrors.ErrCapability)
	}

	c.setState(Reconnecting)
	if err := c.pool.exec(func() error { return rc.Reconnect(ctx) }); err != nil {
		c.setState(Broken)
		log.WithField("pool", c.pool.name).WithField("conn", c.id).WithError(err).Warn("reconnect failed")
		return err
	}
	poolReconnects.WithLabelValues(c.pool.name).Inc()

	defaults := c.pool.registry.Defaults()
	c.pool.mu.Lock()
	c.actual = defaults
	desired := c.pool.desired.Clone()
	c.pool.mu.Unlock()

	if err := c.pool.sync(c, desired); err != nil {
		c.setState(Broken)
		return err
	}

	c.pool.mu.Lock()
	_, inUse := c.pool.inUse[c]
	c.pool.mu.Unlock()
	if inUse {
		c.setState(InUse)
	} else {
		c.setState(Connected)
	}

	log.WithField("pool", c.pool.name).WithField("conn", c.id).Debug("connection reconnected")
	return nil
}

// Disconnect closes the raw handle if it implements io.Closer. It is safe
// to call more than once.
func (c *Conn[C]) Disconnect() error {
	if ConnState(c.state.Swap(int32(Closed))) == Closed {
		return nil
	}
	if cl, ok := any(c.raw).(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Declare records v as the pool-wide value of the exclusive key, mirrors it
// into this connection's state and then runs fn.
func (c *Conn[C]) Declare(key string, v state.Value, fn func(raw C) error) error {
	err := c.pool.mutate(c, key, state.Exclusive, false, func(s state.State) error {
		return s.Declare(key, v)
	})
	if err != nil {
		return err
	}
	return c.Do(fn)
}

// Attend adds v to the cumulative key pool-wide and on this connection,
// then runs fn.
func (c *Conn[C]) Attend(key string, v state.Value, fn func(raw C) error) error {
	err := c.pool.mutate(c, key, state.Cumulative, false, func(s state.State) error {
		return s.Attend(key, v)
	})
	if err != nil {
		return err
	}
	return c.Do(fn)
}

// Ignore removes v from the cumulative key pool-wide and on this
// connection, then runs fn.
func (c *Conn[C]) Ignore(key string, v state.Value, fn func(raw C) error) error {
	err := c.pool.mutate(c, key, state.Cumulative, true, func(s state.State) error {
		return s.Ignore(key, v)
	})
	if err != nil {
		return err
	}
	return c.Do(fn)
}
