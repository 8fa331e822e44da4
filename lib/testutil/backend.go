// Package testutil provides an in-memory backend for testing pools without
// a real server.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/state"
)

// DefaultTube is the tube every new or reconnected Conn uses and watches.
const DefaultTube = "default"

// State keys registered by Backend.Registry.
const (
	KeyUsing    = "using"
	KeyWatching = "watching"
)

// ErrConnClosed is returned by operations on a closed Conn.
var ErrConnClosed = errors.New("testutil: connection closed")

// Backend is a fake tube-based server. It hands out Conns that carry
// "using" and "watching" session state and records every state call.
type Backend struct {
	mu       sync.Mutex
	conns    []*Conn
	nextID   int
	dialErr  error
	opErrs   map[string]error
	calls    []string
	dialHook func()
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{opErrs: make(map[string]error)}
}

// Dial opens a new Conn. It matches pool.Connector.
func (b *Backend) Dial(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	hook := b.dialHook
	if b.dialErr != nil {
		err := b.dialErr
		b.mu.Unlock()
		return nil, err
	}
	b.nextID++
	c := &Conn{backend: b, id: b.nextID}
	c.resetLocked()
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return c, nil
}

// FailDial makes every later Dial fail with err until called with nil.
func (b *Backend) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// OnDial runs fn after every successful Dial.
func (b *Backend) OnDial(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialHook = fn
}

// FailOp makes every later call of op ("use", "watch", "ignore") fail with
// err until called with nil.
func (b *Backend) FailOp(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.opErrs, op)
		return
	}
	b.opErrs[op] = err
}

// Calls returns the recorded state calls as "op:arg".
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// ResetCalls clears the recorded calls.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Conns returns every Conn dialed so far.
func (b *Backend) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// Open returns the number of Conns not yet closed.
func (b *Backend) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// Registry returns a state registry wired to the Conn operations, with
// using=default and watching={default} as the default state.
func (b *Backend) Registry() *state.Registry[*Conn] {
	reg := state.NewRegistry[*Conn]()
	_ = reg.RegisterSetter(KeyUsing, func(c *Conn, v state.Value) error {
		return c.Use(v.String())
	})
	_ = reg.RegisterSetter(KeyWatching, func(c *Conn, v state.Value) error {
		return c.Watch(v.String())
	})
	_ = reg.RegisterUnsetter(KeyWatching, func(c *Conn, v state.Value) error {
		return c.Ignore(v.String())
	})
	_ = reg.RegisterDefaultState(DefaultState)
	return reg
}

// DefaultState is the state of a fresh Conn.
func DefaultState() state.State {
	return state.State{
		KeyUsing:    state.NewValue(DefaultTube),
		KeyWatching: state.NewSet(state.NewValue(DefaultTube)),
	}
}

func (b *Backend) record(op, arg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op+":"+arg)
	return b.opErrs[op]
}

// Conn is a fake connection with tube session state.
type Conn struct {
	backend *Backend
	id      int

	// guarded by backend.mu
	using        string
	watching     map[string]bool
	closed       bool
	reconnects   int
	reconnectErr error
}

// ID returns the dial sequence number, starting at 1.
func (c *Conn) ID() int {
	return c.id
}

func (c *Conn) resetLocked() {
	c.using = DefaultTube
	c.watching = map[string]bool{DefaultTube: true}
}

// Use sets the tube for producer commands.
func (c *Conn) Use(tube string) error {
	if err := c.backend.record("use", tube); err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.using = tube
	return nil
}

// Watch adds tube to the watch list.
func (c *Conn) Watch(tube string) error {
	if err := c.backend.record("watch", tube); err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.watching[tube] = true
	return nil
}

// Ignore removes tube from the watch list. The last watched tube cannot be
// ignored.
func (c *Conn) Ignore(tube string) error {
	if err := c.backend.record("ignore", tube); err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.watching[tube] && len(c.watching) == 1 {
		return fmt.Errorf("ignore %q: %w", tube, apperrors.ErrNotIgnored)
	}
	delete(c.watching, tube)
	return nil
}

// Using returns the tube in use.
func (c *Conn) Using() string {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.using
}

// Watching returns the watched tubes, sorted.
func (c *Conn) Watching() []string {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	tubes := make([]string, 0, len(c.watching))
	for t := range c.watching {
		tubes = append(tubes, t)
	}
	sort.Strings(tubes)
	return tubes
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.closed
}

// FailReconnect makes later reconnects fail with err until called with nil.
func (c *Conn) FailReconnect(err error) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.reconnectErr = err
}

// Reconnect reopens the connection, which resets its tube state.
func (c *Conn) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.reconnects++
	if c.reconnectErr != nil {
		return c.reconnectErr
	}
	c.closed = false
	c.resetLocked()
	return nil
}

// Reconnects returns the number of reconnect attempts.
func (c *Conn) Reconnects() int {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return c.reconnects
}

// Plain is a backend handle without Reconnect or Close.
type Plain struct {
	ID int
}
