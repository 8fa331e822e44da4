// Package queue is a beanstalk-style work queue on Redis built on the
// state-synchronizing connection pool.
//
// Every pooled connection carries the tube it puts into and the tubes it
// reserves from. Use, Watch and Ignore change that state pool-wide, so the
// next connection handed out, whether idle, new or reconnected, already
// uses and watches the same tubes.
//
//	client, err := queue.New(queue.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.Use(ctx, "emails"); err != nil {
//	    return err
//	}
//	id, err := client.Put(ctx, []byte("hello"), 0)
//
// Put retries three times and Reserve until its context ends, reconnecting
// between attempts.
package queue

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/go-i2p/statepool/lib/errors"
	"github.com/go-i2p/statepool/lib/pool"
	"github.com/go-i2p/statepool/lib/ratelimit"
	"github.com/go-i2p/statepool/lib/resilience"
	"github.com/go-i2p/statepool/lib/retry"
	"github.com/go-i2p/statepool/lib/state"
	"github.com/go-i2p/statepool/lib/validation"
)

// Client is a pooled queue client. It is safe for concurrent use.
type Client struct {
	opts    Options
	pool    *pool.Pool[*Conn]
	circuit *resilience.HealthyCircuit
	put     *retry.Retrier
	reserve *retry.Retrier
	// throttle limits puts per tube; nil when unlimited.
	throttle *ratelimit.KeyedLimiter
}

// New creates a client. No connection is opened until the first operation.
func New(opts Options) (*Client, error) {
	err := validation.All(
		func() error { return validation.HostPort("addr", opts.Addr) },
		func() error { return validation.DB("db", opts.DB) },
		func() error { return validation.KeyPrefix("key_prefix", opts.KeyPrefix) },
		func() error { return validation.TubeName("default_tube", opts.DefaultTube) },
		func() error { return validation.NonNegative("acquire_retries", opts.AcquireRetries) },
		func() error {
			if opts.PutRate > 0 {
				return validation.Positive("put_burst", opts.PutBurst)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}

	reg, err := NewRegistry(opts.DefaultTube, opts.Order)
	if err != nil {
		return nil, err
	}

	c := &Client{opts: opts}
	if opts.PutRate > 0 {
		c.throttle = ratelimit.NewKeyed(opts.PutRate, opts.PutBurst, time.Minute)
	}
	pcfg := opts.Pool
	if pcfg.Name == "" {
		pcfg.Name = "queue"
	}
	c.circuit = resilience.NewHealthyCircuit(pcfg.Name+"-dial", c.ping, opts.Breaker)
	pcfg.Execute = Translate
	pcfg.Guard = c.circuit

	c.pool, err = pool.New(c.dial, reg, pcfg)
	if err != nil {
		return nil, err
	}
	if c.put, err = c.pool.Retrier(opts.PutRetries); err != nil {
		return nil, err
	}
	if c.reserve, err = c.pool.Retrier(opts.ReserveRetries); err != nil {
		return nil, err
	}

	log.WithField("addr", opts.Addr).
		WithField("pool", pcfg.Name).
		WithField("max_connections", pcfg.MaxConnections).
		Debug("queue client created")
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	return Dial(ctx, c.opts)
}

// ping checks the server with a throwaway connection while the dial
// circuit is open.
func (c *Client) ping(ctx context.Context) error {
	conn, err := Dial(ctx, c.opts)
	if err != nil {
		return err
	}
	return conn.Close()
}

// with runs fn on a pooled connection. Connection failures discard the
// connection; application errors such as a reserve timeout keep it.
func (c *Client) with(ctx context.Context, fn func(ctx context.Context, conn *pool.Conn[*Conn]) error) error {
	var opErr error
	scoped := func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		opErr = fn(ctx, conn)
		if apperrors.IsTransient(opErr) || IsConnectionError(opErr) {
			return opErr
		}
		return nil
	}

	var err error
	if c.opts.AcquireRetries > 0 {
		err = c.pool.WithRetry(ctx, c.opts.AcquireRetries, scoped)
	} else {
		err = c.pool.With(ctx, scoped)
	}
	if err != nil {
		return err
	}
	return opErr
}

// do runs fn on the raw connection through the pool's executor.
func do[T any](conn *pool.Conn[*Conn], fn func(raw *Conn) (T, error)) (T, error) {
	var v T
	err := conn.Do(func(raw *Conn) error {
		var err error
		v, err = fn(raw)
		return err
	})
	return v, err
}

// Put stores a job in the tube in use and returns its id. Connection
// failures are retried with a reconnect.
func (c *Client) Put(ctx context.Context, body []byte, priority int64) (uint64, error) {
	timer := startTimer("put")
	if c.throttle != nil {
		if tube := c.tube(); !c.throttle.Allow(tube) {
			queuePutThrottled.Inc()
			if err := c.throttle.Wait(ctx, tube); err != nil {
				observe("put", timer, err)
				return 0, err
			}
		}
	}
	var id uint64
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		var err error
		id, err = retry.Call(ctx, c.put, conn, func(ctx context.Context) (uint64, error) {
			return do(conn, func(raw *Conn) (uint64, error) {
				return raw.Put(ctx, body, priority)
			})
		})
		return err
	})
	observe("put", timer, err)
	if err != nil {
		return 0, err
	}
	log.WithField("id", id).WithField("bytes", len(body)).Debug("job put")
	return id, nil
}

// tube returns the pool-wide tube in use.
func (c *Client) tube() string {
	if v, ok := c.pool.Desired().Value(KeyUsing); ok {
		return v.String()
	}
	return c.opts.DefaultTube
}

// Reserve takes the next job from the watched tubes, waiting at most
// timeout (0 waits until ctx is done). Connection failures are retried
// with a reconnect.
func (c *Client) Reserve(ctx context.Context, timeout time.Duration) (*Job, error) {
	timer := startTimer("reserve")
	var job *Job
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		var err error
		job, err = retry.Call(ctx, c.reserve, conn, func(ctx context.Context) (*Job, error) {
			return do(conn, func(raw *Conn) (*Job, error) {
				return raw.Reserve(ctx, timeout)
			})
		})
		return err
	})
	observe("reserve", timer, err)
	return job, err
}

// Use makes every connection put into tube.
func (c *Client) Use(ctx context.Context, tube string) error {
	if err := validation.ValidateUseParams(tube); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidTube, err)
	}
	timer := startTimer("use")
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		return conn.Declare(KeyUsing, state.NewValue(tube), func(raw *Conn) error {
			return raw.Use(tube)
		})
	})
	observe("use", timer, err)
	return err
}

// Watch makes every connection reserve from tube too.
func (c *Client) Watch(ctx context.Context, tube string) error {
	if err := validation.ValidateWatchParams(tube); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidTube, err)
	}
	timer := startTimer("watch")
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		return conn.Attend(KeyWatching, state.NewValue(tube), func(raw *Conn) error {
			return raw.Watch(tube)
		})
	})
	observe("watch", timer, err)
	return err
}

// Ignore stops every connection reserving from tube. The last watched tube
// cannot be ignored.
func (c *Client) Ignore(ctx context.Context, tube string) error {
	if err := validation.ValidateWatchParams(tube); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidTube, err)
	}
	v := state.NewValue(tube)
	if watching, ok := c.pool.Desired().Set(KeyWatching); ok && watching.Len() == 1 && watching.Has(v) {
		return fmt.Errorf("ignore %q: %w", tube, apperrors.ErrNotIgnored)
	}
	timer := startTimer("ignore")
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		return conn.Ignore(KeyWatching, v, func(raw *Conn) error {
			return raw.Ignore(tube)
		})
	})
	observe("ignore", timer, err)
	return err
}

// Using returns the tube a connection puts into.
func (c *Client) Using(ctx context.Context) (string, error) {
	var tube string
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		tube = conn.Raw().Using()
		return nil
	})
	return tube, err
}

// Watching returns the tubes a connection reserves from, sorted.
func (c *Client) Watching(ctx context.Context) ([]string, error) {
	var tubes []string
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		tubes = conn.Raw().Watching()
		return nil
	})
	return tubes, err
}

// Peek returns a job without reserving it.
func (c *Client) Peek(ctx context.Context, id uint64) (*Job, error) {
	if err := validation.ValidateJobID(id); err != nil {
		return nil, err
	}
	var job *Job
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		var err error
		job, err = do(conn, func(raw *Conn) (*Job, error) { return raw.Peek(ctx, id) })
		return err
	})
	return job, err
}

// Delete removes a job.
func (c *Client) Delete(ctx context.Context, id uint64) error {
	return c.jobOp(ctx, "delete", id, (*Conn).Delete)
}

// Release puts a reserved job back into its tube.
func (c *Client) Release(ctx context.Context, id uint64) error {
	return c.jobOp(ctx, "release", id, (*Conn).Release)
}

// Bury sets a reserved job aside.
func (c *Client) Bury(ctx context.Context, id uint64) error {
	return c.jobOp(ctx, "bury", id, (*Conn).Bury)
}

func (c *Client) jobOp(ctx context.Context, op string, id uint64, fn func(*Conn, context.Context, uint64) error) error {
	if err := validation.ValidateJobID(id); err != nil {
		return err
	}
	timer := startTimer(op)
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		return conn.Do(func(raw *Conn) error { return fn(raw, ctx, id) })
	})
	observe(op, timer, err)
	return err
}

// StatsTube reports the ready and buried counts of tube.
func (c *Client) StatsTube(ctx context.Context, tube string) (TubeStats, error) {
	var stats TubeStats
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		var err error
		stats, err = do(conn, func(raw *Conn) (TubeStats, error) { return raw.StatsTube(ctx, tube) })
		return err
	})
	return stats, err
}

// Tubes lists every tube used or watched so far.
func (c *Client) Tubes(ctx context.Context) ([]string, error) {
	var tubes []string
	err := c.with(ctx, func(ctx context.Context, conn *pool.Conn[*Conn]) error {
		var err error
		tubes, err = do(conn, func(raw *Conn) ([]string, error) { return raw.Tubes(ctx) })
		return err
	})
	return tubes, err
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pool.Pool[*Conn] {
	return c.pool
}

// Stats returns pool statistics.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Health returns the state of the dial circuit.
func (c *Client) Health() resilience.HealthyCircuitStats {
	return c.circuit.Stats()
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	return c.pool.Close()
}
