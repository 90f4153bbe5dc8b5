// Package metrics exposes Prometheus collectors for the control bridge.
//
// All methods are safe on a nil *Collector, so components can record
// metrics unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotweb"

// Collector owns a private registry with the bridge's metrics.
type Collector struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	watchdogTrips     prometheus.Counter
	keepaliveFailures *prometheus.CounterVec
	connectionState   prometheus.Gauge
}

// New creates a collector and registers its metrics along with the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Supervisor operations by outcome",
			},
			[]string{"op", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of supervisor operations in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
			},
			[]string{"op"},
		),
		watchdogTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_trips_total",
			Help:      "Zero-velocity stops forced by the command watchdog",
		}),
		keepaliveFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_failures_total",
				Help:      "Failed lease refreshes and e-stop check-ins",
			},
			[]string{"kind"},
		),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 disconnecting",
		}),
	}
	c.registry.MustRegister(
		c.operations,
		c.operationDuration,
		c.watchdogTrips,
		c.keepaliveFailures,
		c.connectionState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveOperation records one supervisor operation.
func (c *Collector) ObserveOperation(op string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.operations.WithLabelValues(op, result).Inc()
	c.operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) WatchdogTrip() {
	if c == nil {
		return
	}
	c.watchdogTrips.Inc()
}

// KeepaliveFailure counts a failed refresh; kind is "lease" or "estop".
func (c *Collector) KeepaliveFailure(kind string) {
	if c == nil {
		return
	}
	c.keepaliveFailures.WithLabelValues(kind).Inc()
}

func (c *Collector) SetConnectionState(v int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(v))
}
