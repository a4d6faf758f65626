package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns the Prometheus metrics exposed by one carl or
// edgar process. Components obtain domain-specific counters/gauges/
// histograms through the helpers below rather than touching the
// prometheus package directly, so registration always goes through one
// place.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	rpcRequestsTotal   *prometheus.CounterVec
	rpcRequestDuration *prometheus.HistogramVec
	connectedPeers     prometheus.Gauge
	serviceInfo        *prometheus.GaugeVec
}

func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	sanitized := strings.ReplaceAll(serviceName, "-", "_")
	registry := prometheus.NewRegistry()

	mc := &MetricsCollector{
		serviceName: sanitized,
		registry:    registry,
	}

	mc.rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: sanitized + "_rpc_requests_total",
			Help: "Total number of RPC calls handled, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	mc.rpcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    sanitized + "_rpc_request_duration_seconds",
			Help:    "RPC call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	mc.connectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: sanitized + "_connected_peers",
		Help: "Number of peers with a live messaging broker stream.",
	})
	mc.serviceInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: sanitized + "_service_info",
			Help: "Service build information.",
		},
		[]string{"version", "commit"},
	)

	registry.MustRegister(mc.rpcRequestsTotal, mc.rpcRequestDuration, mc.connectedPeers, mc.serviceInfo)
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// ObserveRPC records one completed RPC call.
func (mc *MetricsCollector) ObserveRPC(method, outcome string, duration time.Duration) {
	mc.rpcRequestsTotal.WithLabelValues(method, outcome).Inc()
	mc.rpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetConnectedPeers publishes the broker's current live-stream count.
func (mc *MetricsCollector) SetConnectedPeers(n int) {
	mc.connectedPeers.Set(float64(n))
}

// RegisterCustomMetric lets a component (e.g. the cluster manager) add a
// domain gauge/counter without this package needing to know about it.
func (mc *MetricsCollector) RegisterCustomMetric(metric prometheus.Collector) {
	mc.registry.MustRegister(metric)
}

// Handler exposes the collector's registry on /metrics.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}
