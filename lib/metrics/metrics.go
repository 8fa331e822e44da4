// Package metrics provides metrics collection for statepool.
// Metrics are registered on a package-private Prometheus registry so that
// embedding applications can expose them without colliding with their own
// default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "statepool"

// DefaultLatencyBuckets are histogram buckets for sub-second to multi-second
// operations such as connection creation and state synchronization.
var DefaultLatencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// registry holds every statepool metric.
var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

// Registry returns the registry statepool metrics are registered on.
func Registry() *prometheus.Registry {
	return registry
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) prometheus.Counter {
	return factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	})
}

// NewCounterVec creates a new counter partitioned by labels.
func NewCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) prometheus.Gauge {
	return factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	})
}

// NewGaugeVec creates a new gauge partitioned by labels.
func NewGaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewHistogramVec creates a new histogram partitioned by labels.
func NewHistogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// Timer measures the duration of an operation into an observer.
type Timer struct {
	observer prometheus.Observer
	start    time.Time
}

// NewTimer starts a timer for the given observer.
func NewTimer(o prometheus.Observer) *Timer {
	return &Timer{observer: o, start: time.Now()}
}

// ObserveDuration records the time elapsed since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(d.Seconds())
	}
	return d
}

// RegisterRuntimeCollectors adds Go runtime and process collectors.
// It is safe to call more than once.
func RegisterRuntimeCollectors() {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				log.WithError(err).Warn("failed to register runtime collector")
			}
		}
	}
}

// Handler returns an http.Handler that exposes metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// Build information
var (
	// BuildInfo is always 1 and carries the version label.
	BuildInfo = NewGaugeVec("build_info", "Build information", "version")

	// StartTime is the unix time the process started.
	StartTime = NewGauge("start_time_seconds", "Unix timestamp when the process started")
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(float64(time.Now().Unix()))
}

// RecordBuildInfo publishes the running version.
func RecordBuildInfo(version string) {
	BuildInfo.WithLabelValues(version).Set(1)
}
