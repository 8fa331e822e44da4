package pool

import "github.com/go-i2p/statepool/lib/metrics"

// Pool utilization metrics, labeled by pool name.
var (
	poolConnectionsMax = metrics.NewGaugeVec(
		"pool_connections_max",
		"Maximum number of connections in the pool, 0 if unbounded",
		"pool",
	)
	poolConnectionsOpen = metrics.NewGaugeVec(
		"pool_connections_open",
		"Current number of open connections",
		"pool",
	)
	poolConnectionsIdle = metrics.NewGaugeVec(
		"pool_connections_idle",
		"Current number of idle connections in the pool",
		"pool",
	)
	poolConnectionsInUse = metrics.NewGaugeVec(
		"pool_connections_in_use",
		"Number of connections currently in use",
		"pool",
	)
	poolAcquireTotal = metrics.NewCounterVec(
		"pool_acquire_total",
		"Total number of connection acquire attempts",
		"pool",
	)
	poolAcquireFailedTotal = metrics.NewCounterVec(
		"pool_acquire_failed_total",
		"Total number of failed connection acquires",
		"pool", "reason",
	)
	poolReleaseTotal = metrics.NewCounterVec(
		"pool_release_total",
		"Total number of connection releases",
		"pool",
	)
	poolCreatedTotal = metrics.NewCounterVec(
		"pool_connections_created_total",
		"Total number of connections opened",
		"pool",
	)
	poolDiscardTotal = metrics.NewCounterVec(
		"pool_connections_discarded_total",
		"Total number of connections closed by the pool",
		"pool",
	)
	poolSyncCalls = metrics.NewCounterVec(
		"pool_state_sync_calls_total",
		"Total number of setter and unsetter calls made to synchronize state",
		"pool",
	)
	poolReconnects = metrics.NewCounterVec(
		"pool_reconnects_total",
		"Total number of successful connection reconnects",
		"pool",
	)
	poolResetsTotal = metrics.NewCounterVec(
		"pool_resets_total",
		"Total number of pool resets, including fork detection",
		"pool",
	)
	poolAcquireLatency = metrics.NewHistogramVec(
		"pool_acquire_duration_seconds",
		"Time spent acquiring a connection from the pool",
		metrics.DefaultLatencyBuckets,
		"pool",
	)
)

// UpdateMetrics publishes the current Stats as gauges.
func (p *Pool[C]) UpdateMetrics() {
	stats := p.Stats()
	poolConnectionsMax.WithLabelValues(p.name).Set(float64(stats.MaxConnections))
	poolConnectionsOpen.WithLabelValues(p.name).Set(float64(stats.NumOpen))
	poolConnectionsIdle.WithLabelValues(p.name).Set(float64(stats.NumIdle))
	poolConnectionsInUse.WithLabelValues(p.name).Set(float64(stats.NumInUse))
}
