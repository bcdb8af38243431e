// Package metrics provides the gateway's Prometheus instrumentation.
// client_golang reaches the teacher only indirectly (pulled in by
// controller-runtime's metrics server, which this gateway drops along
// with the rest of the Kubernetes-controller machinery); this package
// promotes it to a direct, wired dependency and is the only place that
// imports it, so internal/heartbeat and internal/ratelimit stay free of
// a concrete metrics backend behind their own Metrics interfaces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcp-hub/gateway/internal/ratelimit"
)

// Registry owns a private Prometheus registry (not the global default,
// so multiple Gateways can coexist in one test binary) and implements
// both heartbeat.Metrics and ratelimit.Metrics.
type Registry struct {
	reg *prometheus.Registry

	pingTotal      *prometheus.CounterVec
	pingRTT        prometheus.Histogram
	reapTotal      prometheus.Counter
	admissionTotal *prometheus.CounterVec
	rejectionTotal *prometheus.CounterVec
}

// New constructs a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		pingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Subsystem: "heartbeat",
			Name:      "ping_total",
			Help:      "EVENT session heartbeat pings, labeled by outcome.",
		}, []string{"result"}),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcp_gateway",
			Subsystem: "heartbeat",
			Name:      "ping_rtt_seconds",
			Help:      "Round-trip time of successful heartbeat pings.",
			Buckets:   prometheus.DefBuckets,
		}),
		reapTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Subsystem: "heartbeat",
			Name:      "reap_total",
			Help:      "Sessions reaped after three consecutive heartbeat failures.",
		}),
		admissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Session-creation admission decisions, labeled by outcome.",
		}, []string{"result"}),
		rejectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_gateway",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Session-creation admission rejections, labeled by rule kind and severity.",
		}, []string{"kind", "severity"}),
	}

	reg.MustRegister(r.pingTotal, r.pingRTT, r.reapTotal, r.admissionTotal, r.rejectionTotal)
	return r
}

// Handler serves the registry's collected metrics for cmd/gateway to
// mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObservePing implements heartbeat.Metrics.
func (r *Registry) ObservePing(success bool, rtt time.Duration) {
	if success {
		r.pingTotal.WithLabelValues("success").Inc()
		r.pingRTT.Observe(rtt.Seconds())
		return
	}
	r.pingTotal.WithLabelValues("failure").Inc()
}

// ObserveReap implements heartbeat.Metrics.
func (r *Registry) ObserveReap() {
	r.reapTotal.Inc()
}

// ObserveAllowed implements ratelimit.Metrics.
func (r *Registry) ObserveAllowed() {
	r.admissionTotal.WithLabelValues("allowed").Inc()
}

// ObserveRejection implements ratelimit.Metrics.
func (r *Registry) ObserveRejection(kind ratelimit.Kind, severity ratelimit.Severity) {
	r.admissionTotal.WithLabelValues("rejected").Inc()
	r.rejectionTotal.WithLabelValues(string(kind), string(severity)).Inc()
}
