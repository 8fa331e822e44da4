package retry

import "github.com/go-i2p/statepool/lib/metrics"

// Retry metrics, labeled by retrier name.
var (
	retryAttemptsFailed = metrics.NewCounterVec(
		"retry_failed_attempts_total",
		"Total number of failed attempts seen by retriers",
		"retrier",
	)
	retryReconnects = metrics.NewCounterVec(
		"retry_reconnects_total",
		"Total number of reconnects performed before a retry",
		"retrier",
	)
	retryExhausted = metrics.NewCounterVec(
		"retry_exhausted_total",
		"Total number of operations that failed after the last retry",
		"retrier",
	)
)
