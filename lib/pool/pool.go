package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/metrics"
	"github.com/go-i2p/statepool/lib/retry"
	"github.com/go-i2p/statepool/lib/state"
)

// Re-exported so callers can match pool errors without importing lib/errors.
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrCapacityExceeded is returned when MaxConnections are already open.
	ErrCapacityExceeded = apperrors.ErrCapacityExceeded
	// ErrCapability is returned by Reconnect on handles that cannot reconnect.
	ErrCapability = apperrors.ErrCapability
)

// Connector opens a new raw backend handle.
type Connector[C any] func(ctx context.Context) (C, error)

// Guard wraps connection attempts, e.g. a circuit breaker.
type Guard interface {
	ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error
}

// Config configures the connection pool.
type Config struct {
	// Name labels logs and metrics.
	// Default: "default"
	Name string
	// MaxConnections bounds the connections that exist at once, idle or in
	// use. 0 means unbounded; negative values are rejected.
	// Default: 0
	MaxConnections int
	// MaxIdleConnections bounds the idle connections kept for reuse.
	// Released connections beyond it are closed.
	// Default: 0
	MaxIdleConnections int
	// Execute wraps every backend call the pool makes on a connection:
	// connecting, state setters and Conn.Do.
	Execute state.Executor
	// Guard, if set, wraps every connection attempt.
	Guard Guard
	// RetryUnit is the backoff unit of retriers built by the pool.
	// Default: 1 second
	RetryUnit time.Duration
	// ProcessID reports the current process id.
	// Default: os.Getpid
	ProcessID func() int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:               "default",
		MaxConnections:     0,
		MaxIdleConnections: 0,
		RetryUnit:          time.Second,
		ProcessID:          os.Getpid,
	}
}

// Pool hands out connections whose per-connection state always matches
// the pool-wide desired state at the moment they are acquired.
type Pool[C any] struct {
	name      string
	cfg       Config
	connector Connector[C]
	registry  *state.Registry[C]
	exec      state.Executor
	pidFunc   func() int

	// forkMu serializes fork detection.
	forkMu sync.Mutex

	mu         sync.Mutex
	pid        int
	generation uint64
	created    int
	dialing    int
	idle       []*Conn[C]
	inUse      map[*Conn[C]]struct{}
	desired    state.State
	closed     bool
	nextID     uint64

	acquireCount   atomic.Uint64
	acquireSuccess atomic.Uint64
	acquireFailed  atomic.Uint64
	releaseCount   atomic.Uint64
	discardCount   atomic.Uint64
	syncCalls      atomic.Uint64
	resetCount     atomic.Uint64
}

// New creates a pool. The registry is sealed: setters, unsetters and the
// default state factory must be registered before the pool exists.
func New[C any](connector Connector[C], registry *state.Registry[C], cfg Config) (*Pool[C], error) {
	if connector == nil {
		return nil, fmt.Errorf("connector is required: %w", apperrors.ErrPoolConfig)
	}
	if registry == nil {
		return nil, fmt.Errorf("state registry is required: %w", apperrors.ErrPoolConfig)
	}
	if cfg.MaxConnections < 0 {
		return nil, fmt.Errorf("max connections must not be negative, got %d: %w", cfg.MaxConnections, apperrors.ErrPoolConfig)
	}
	if cfg.MaxIdleConnections < 0 {
		return nil, fmt.Errorf("max idle connections must not be negative, got %d: %w", cfg.MaxIdleConnections, apperrors.ErrPoolConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.RetryUnit <= 0 {
		cfg.RetryUnit = time.Second
	}
	if cfg.ProcessID == nil {
		cfg.ProcessID = os.Getpid
	}
	exec := cfg.Execute
	if exec == nil {
		exec = func(fn func() error) error { return fn() }
	}

	registry.Seal()

	p := &Pool[C]{
		name:      cfg.Name,
		cfg:       cfg,
		connector: connector,
		registry:  registry,
		exec:      exec,
		pidFunc:   cfg.ProcessID,
		pid:       cfg.ProcessID(),
		inUse:     make(map[*Conn[C]]struct{}),
		desired:   registry.Defaults(),
	}

	log.WithField("pool", p.name).
		WithField("maxConnections", cfg.MaxConnections).
		WithField("maxIdle", cfg.MaxIdleConnections).
		Debug("pool created")
	p.UpdateMetrics()
	return p, nil
}

// Name returns the pool name.
func (p *Pool[C]) Name() string {
	return p.name
}

// Registry returns the pool's state registry.
func (p *Pool[C]) Registry() *state.Registry[C] {
	return p.registry
}

// Desired returns a copy of the pool-wide desired state.
func (p *Pool[C]) Desired() state.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired.Clone()
}

// Acquire checks out a connection, reusing the most recently released idle
// one or creating a new one, and synchronizes it to the desired state.
// It fails with ErrCapacityExceeded when MaxConnections are already open,
// and with ErrSynchronization if the state cannot be applied; in that case
// the connection is closed and its slot freed.
func (p *Pool[C]) Acquire(ctx context.Context) (*Conn[C], error) {
	p.checkFork()
	p.acquireCount.Add(1)
	poolAcquireTotal.WithLabelValues(p.name).Inc()
	timer := metrics.NewTimer(poolAcquireLatency.WithLabelValues(p.name))
	defer timer.ObserveDuration()

	conn, desired, gen, err := p.reserve()
	if err != nil {
		p.recordAcquireFailure(err)
		return nil, err
	}

	if conn == nil {
		conn, err = p.create(ctx, gen)
		if err != nil {
			p.freeSlot(gen)
			p.recordAcquireFailure(err)
			return nil, err
		}
	}

	// Another connection may change the desired state while this one
	// dials or syncs, so it only goes in use once both match under the lock.
	for {
		if err := p.sync(conn, desired); err != nil {
			p.discard(conn, gen)
			p.recordAcquireFailure(err)
			return nil, err
		}

		p.mu.Lock()
		if p.closed || gen != p.generation {
			p.mu.Unlock()
			p.discard(conn, gen)
			p.recordAcquireFailure(ErrPoolClosed)
			return nil, ErrPoolClosed
		}
		if len(p.registry.Plan(p.desired, conn.actual)) == 0 {
			p.inUse[conn] = struct{}{}
			conn.setState(InUse)
			p.mu.Unlock()
			break
		}
		desired = p.desired.Clone()
		p.mu.Unlock()
		log.WithField("pool", p.name).WithField("conn", conn.id).Debug("desired state changed during acquire, syncing again")
	}

	p.acquireSuccess.Add(1)
	p.UpdateMetrics()
	log.WithField("pool", p.name).WithField("conn", conn.id).Debug("connection acquired")
	return conn, nil
}

// reserve pops an idle connection or claims a slot for a new one.
func (p *Pool[C]) reserve() (*Conn[C], state.State, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, 0, ErrPoolClosed
	}

	var conn *Conn[C]
	if n := len(p.idle); n > 0 {
		// LIFO: the most recently used connection is the most likely alive.
		conn = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	} else {
		if p.cfg.MaxConnections > 0 && p.created >= p.cfg.MaxConnections {
			return nil, nil, 0, fmt.Errorf("%d of %d connections open: %w", p.created, p.cfg.MaxConnections, ErrCapacityExceeded)
		}
		p.created++
	}
	return conn, p.desired.Clone(), p.generation, nil
}

// create opens a raw handle and wraps it. The caller owns the slot. The
// wrapper is Connecting while the connector runs.
func (p *Pool[C]) create(ctx context.Context, gen uint64) (*Conn[C], error) {
	p.mu.Lock()
	p.nextID++
	conn := &Conn[C]{
		id:   p.nextID,
		pid:  p.pidFunc(),
		gen:  gen,
		pool: p,
	}
	conn.setState(Connecting)
	p.dialing++
	p.mu.Unlock()

	connect := func(ctx context.Context) error {
		return p.exec(func() error {
			c, err := p.connector(ctx)
			if err != nil {
				return err
			}
			conn.raw = c
			return nil
		})
	}

	var err error
	if p.cfg.Guard != nil {
		err = p.cfg.Guard.ExecuteWithContext(ctx, connect)
	} else {
		err = connect(ctx)
	}

	p.mu.Lock()
	p.dialing--
	p.mu.Unlock()

	if err != nil {
		conn.setState(Closed)
		log.WithField("pool", p.name).WithError(err).Warn("failed to create connection")
		return nil, fmt.Errorf("create connection: %w", err)
	}

	conn.actual = p.registry.Defaults()
	conn.setState(Connected)
	poolCreatedTotal.WithLabelValues(p.name).Inc()
	log.WithField("pool", p.name).WithField("conn", conn.id).Debug("created new connection")
	return conn, nil
}

// sync brings conn's actual state to desired.
func (p *Pool[C]) sync(conn *Conn[C], desired state.State) error {
	calls, err := p.registry.Sync(conn.raw, desired, conn.actual, p.exec)
	if calls > 0 {
		p.syncCalls.Add(uint64(calls))
		poolSyncCalls.WithLabelValues(p.name).Add(float64(calls))
	}
	if err != nil {
		log.WithField("pool", p.name).WithField("conn", conn.id).WithError(err).Warn("connection state sync failed")
	}
	return err
}

// Release returns a checked-out connection. Broken connections, releases
// beyond MaxIdleConnections and releases to a closed pool close the
// connection instead. Connections from a previous process generation are
// ignored.
func (p *Pool[C]) Release(conn *Conn[C]) {
	if conn == nil {
		return
	}
	p.checkFork()
	p.releaseCount.Add(1)
	poolReleaseTotal.WithLabelValues(p.name).Inc()

	p.mu.Lock()
	if conn.pool != p || conn.gen != p.generation {
		p.mu.Unlock()
		log.WithField("pool", p.name).WithField("conn", conn.id).Debug("ignoring release of foreign connection")
		return
	}
	if _, ok := p.inUse[conn]; !ok {
		p.mu.Unlock()
		log.WithField("pool", p.name).WithField("conn", conn.id).Warn("release of connection that is not in use")
		return
	}
	delete(p.inUse, conn)

	discard := p.closed || conn.State() == Broken || len(p.idle) >= p.cfg.MaxIdleConnections
	if discard {
		p.created--
	} else {
		conn.setState(Connected)
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if discard {
		p.disconnect(conn)
	}
	p.UpdateMetrics()
}

// discard closes a connection that never reached the in-use set and frees
// its slot.
func (p *Pool[C]) discard(conn *Conn[C], gen uint64) {
	conn.setState(Broken)
	p.freeSlot(gen)
	p.disconnect(conn)
}

func (p *Pool[C]) disconnect(conn *Conn[C]) {
	p.discardCount.Add(1)
	poolDiscardTotal.WithLabelValues(p.name).Inc()
	if err := conn.Disconnect(); err != nil {
		log.WithField("pool", p.name).WithField("conn", conn.id).WithError(err).Debug("error closing connection")
	}
}

// freeSlot undoes a reserve. Slots from before a Reset are not counted.
func (p *Pool[C]) freeSlot(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen == p.generation && p.created > 0 {
		p.created--
	}
}

func (p *Pool[C]) recordAcquireFailure(err error) {
	p.acquireFailed.Add(1)
	poolAcquireFailedTotal.WithLabelValues(p.name, failureReason(err)).Inc()
}

// failureReason is the metric label for an acquire failure.
func failureReason(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeCapacityExceeded:
		return "capacity"
	case apperrors.CodeSynchronization:
		return "sync"
	case apperrors.CodeClosed:
		return "closed"
	case apperrors.CodeCircuitOpen:
		return "circuit_open"
	default:
		return "connect"
	}
}

// mutate applies fn to the desired state and to conn's actual state under
// the pool lock, so that both change together or not at all.
func (p *Pool[C]) mutate(conn *Conn[C], key string, kind state.Kind, unset bool, fn func(state.State) error) error {
	if unset {
		if !p.registry.HasUnsetter(key) {
			return fmt.Errorf("unset %q: %w", key, apperrors.ErrNoSetter)
		}
	} else if !p.registry.HasSetter(key) {
		return fmt.Errorf("set %q: %w", key, apperrors.ErrNoSetter)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !kindCompatible(p.desired, key, kind) || !kindCompatible(conn.actual, key, kind) {
		return fmt.Errorf("key %q is not %s: %w", key, kind, apperrors.ErrStateKind)
	}
	if err := fn(p.desired); err != nil {
		return err
	}
	if conn.actual == nil {
		conn.actual = state.State{}
	}
	return fn(conn.actual)
}

func kindCompatible(s state.State, key string, kind state.Kind) bool {
	e, ok := s[key]
	return !ok || e.Kind() == kind
}

// checkFork resets the pool when the process id changed since the pool
// was created or last reset.
func (p *Pool[C]) checkFork() {
	pid := p.pidFunc()
	p.mu.Lock()
	same := pid == p.pid
	p.mu.Unlock()
	if same {
		return
	}

	p.forkMu.Lock()
	defer p.forkMu.Unlock()

	p.mu.Lock()
	same = pid == p.pid
	p.mu.Unlock()
	if !same {
		log.WithField("pool", p.name).WithField("pid", pid).Warn("process id changed, resetting pool")
		p.Reset()
	}
}

// Reset forgets every connection without closing them and starts a new
// generation owned by the current process. The desired state is kept.
func (p *Pool[C]) Reset() {
	p.mu.Lock()
	p.pid = p.pidFunc()
	p.generation++
	p.created = 0
	p.idle = nil
	p.inUse = make(map[*Conn[C]]struct{})
	p.mu.Unlock()

	p.resetCount.Add(1)
	poolResetsTotal.WithLabelValues(p.name).Inc()
	p.UpdateMetrics()
}

// Close closes every idle connection and every connection still in use.
// Later acquires fail with ErrPoolClosed.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true

	conns := make([]*Conn[C], 0, len(p.idle)+len(p.inUse))
	conns = append(conns, p.idle...)
	p.created -= len(p.idle)
	p.idle = nil
	for c := range p.inUse {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}

	p.UpdateMetrics()
	log.WithField("pool", p.name).WithField("closed", len(conns)).Debug("pool closed")
	return errors.Join(errs...)
}

// Retrier returns a retrier whose backoff unit, name and executor follow
// the pool. Pass the acquired *Conn as its target to reconnect it between
// attempts.
func (p *Pool[C]) Retrier(retries int) (*retry.Retrier, error) {
	cfg := retry.DefaultConfig()
	cfg.Name = p.name
	cfg.Retry = retries
	cfg.Unit = p.cfg.RetryUnit
	cfg.Execute = retry.Executor(p.exec)
	return retry.New(cfg)
}

// Stats returns pool statistics.
type Stats struct {
	// MaxConnections is the configured bound, 0 if unbounded.
	MaxConnections int
	// MaxIdle is the configured idle bound.
	MaxIdle int
	// NumOpen is the number of connections counted against the bound.
	NumOpen int
	// NumConnecting is the number of connections still dialing.
	NumConnecting int
	// NumIdle is the number of idle connections.
	NumIdle int
	// NumInUse is the number of checked-out connections.
	NumInUse int
	// Generation is incremented by every Reset.
	Generation uint64
	// Closed reports whether Close was called.
	Closed bool
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// DiscardCount is the number of connections closed by the pool.
	DiscardCount uint64
	// SyncCalls is the number of setter and unsetter calls made.
	SyncCalls uint64
	// Resets is the number of resets.
	Resets uint64
}

// Stats returns current pool statistics.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		MaxConnections: p.cfg.MaxConnections,
		MaxIdle:        p.cfg.MaxIdleConnections,
		NumOpen:        p.created,
		NumConnecting:  p.dialing,
		NumIdle:        len(p.idle),
		NumInUse:       len(p.inUse),
		Generation:     p.generation,
		Closed:         p.closed,
		AcquireCount:   p.acquireCount.Load(),
		AcquireSuccess: p.acquireSuccess.Load(),
		AcquireFailed:  p.acquireFailed.Load(),
		ReleaseCount:   p.releaseCount.Load(),
		DiscardCount:   p.discardCount.Load(),
		SyncCalls:      p.syncCalls.Load(),
		Resets:         p.resetCount.Load(),
	}
}
