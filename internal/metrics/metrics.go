package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
)

const namespace = "geist"

// Registry owns the server's Prometheus collectors.
type Registry struct {
	registry    *prometheus.Registry
	rpcRequests *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	logEvents   *prometheus.CounterVec
}

// NewRegistry constructs a registry with runtime collectors and the identity RPC metrics.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rpcRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Identity RPCs handled, by method and result code.",
	}, []string{"method", "code"})
	rpcDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_duration_seconds",
		Help:      "Identity RPC latency, by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	logEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_events_total",
		Help:      "Log entries written, by level.",
	}, []string{"level"})
	registry.MustRegister(rpcRequests, rpcDuration, logEvents)

	return &Registry{
		registry:    registry,
		rpcRequests: rpcRequests,
		rpcDuration: rpcDuration,
		logEvents:   logEvents,
	}
}

// ObserveRPC records one completed RPC.
func (r *Registry) ObserveRPC(method, code string, elapsed time.Duration) {
	r.rpcRequests.WithLabelValues(method, code).Inc()
	r.rpcDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// LogHook counts log entries; install it with zap.Hooks.
func (r *Registry) LogHook(entry zapcore.Entry) error {
	r.logEvents.WithLabelValues(entry.Level.String()).Inc()
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry for inspection.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
