package queue

import (
	"github.com/go-i2p/statepool/lib/metrics"
)

// Queue operation metrics, labeled by operation.
var (
	queueOperations = metrics.NewCounterVec(
		"queue_operations_total",
		"Total number of queue operations by result",
		"op", "result",
	)
	queueOperationLatency = metrics.NewHistogramVec(
		"queue_operation_duration_seconds",
		"Time spent in queue operations, including retries",
		metrics.DefaultLatencyBuckets,
		"op",
	)
	queuePutThrottled = metrics.NewCounter(
		"queue_put_throttled_total",
		"Total number of puts that had to wait for the per-tube rate limit",
	)
)

// observe records the outcome of an operation started by timer.
func observe(op string, timer *metrics.Timer, err error) {
	timer.ObserveDuration()
	result := "ok"
	if err != nil {
		result = "error"
	}
	queueOperations.WithLabelValues(op, result).Inc()
}

func startTimer(op string) *metrics.Timer {
	return metrics.NewTimer(queueOperationLatency.WithLabelValues(op))
}
