// Package pool provides a generic connection pool that keeps per-connection
// session state consistent across every pooled connection.
//
// Backends like job queues carry state on the connection itself (the tube
// in use, the set of watched tubes). The pool records the desired state
// declared through any connection and, on every Acquire, replays the
// difference onto the connection handed out, using the setters and
// unsetters of a state.Registry.
//
// The pool supports:
//   - Bounded total and idle connection counts
//   - LIFO reuse of idle connections
//   - Declarative exclusive and cumulative state
//   - Reconnect with state restore, for use with lib/retry
//   - Fork detection: a child process never reuses its parent's connections
//   - Metrics for pool utilization
//
// # Basic Usage
//
//	reg := state.NewRegistry[*Client]()
//	reg.RegisterSetter("using", func(c *Client, v state.Value) error {
//	    return c.Use(v.String())
//	})
//
//	cfg := pool.DefaultConfig()
//	cfg.MaxConnections = 10
//	cfg.MaxIdleConnections = 2
//
//	p, err := pool.New(dial, reg, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	err = p.With(ctx, func(ctx context.Context, conn *pool.Conn[*Client]) error {
//	    return conn.Declare("using", state.NewValue("emails"), func(c *Client) error {
//	        return c.Use("emails")
//	    })
//	})
//
// Any connection acquired after the Declare uses "emails" first.
//
// # Retrying
//
// A *Conn implements retry.Reconnector, so passing it as the retry target
// reconnects it and restores its state before every retry:
//
//	r, _ := p.Retrier(3)
//	err = r.Do(ctx, conn, func(ctx context.Context) error {
//	    return conn.Do(func(c *Client) error { return c.Put(body) })
//	})
//
// # Metrics
//
// Pool metrics are registered with lib/metrics, labeled by pool name:
//   - statepool_pool_connections_max: Configured bound
//   - statepool_pool_connections_open: Connections counted against the bound
//   - statepool_pool_connections_idle: Idle connections
//   - statepool_pool_connections_in_use: Checked-out connections
//   - statepool_pool_acquire_total: Acquire attempts
//   - statepool_pool_acquire_failed_total: Failed acquires, by reason
//   - statepool_pool_state_sync_calls_total: Setter and unsetter calls
//   - statepool_pool_resets_total: Resets
package pool
