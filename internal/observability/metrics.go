package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "portmesh"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "handshakes_total",
			Help:      "Connection handshakes by carrier, direction and result.",
		},
		[]string{"carrier", "direction", "result"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "handshake_duration_seconds",
			Help:      "Connection handshake duration in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"carrier", "direction"},
	)
	portMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "port",
			Name:      "messages_total",
			Help:      "Port messages by event (sent, received, dropped, failed).",
		},
		[]string{"port", "event"},
	)
	portConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "port",
			Name:      "connections",
			Help:      "Live connections per port and direction.",
		},
		[]string{"port", "direction"},
	)
	registeredNames = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "names",
			Name:      "registered",
			Help:      "Names currently registered with the name server.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connections, handshakeDuration,
			portMessages, portConnections,
			registeredNames,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordHandshake counts one handshake attempt. direction is "out" or "in".
func RecordHandshake(carrier, direction string, err error, duration time.Duration) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "failed"
	}
	connections.WithLabelValues(carrier, direction, result).Inc()
	handshakeDuration.WithLabelValues(carrier, direction).Observe(duration.Seconds())
}

func RecordPortMessage(port, event string) {
	RegisterMetrics()
	portMessages.WithLabelValues(port, event).Inc()
}

func SetPortConnections(port, direction string, n int) {
	RegisterMetrics()
	portConnections.WithLabelValues(port, direction).Set(float64(n))
}

func SetRegisteredNames(n int) {
	RegisterMetrics()
	registeredNames.Set(float64(n))
}
