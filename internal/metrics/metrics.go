// Package metrics exposes Prometheus metrics for the node agent. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the agent.
type Recorder struct {
	connectionsActive prometheus.Gauge
	established       *prometheus.CounterVec
	destroyed         *prometheus.CounterVec
	dialDuration      *prometheus.HistogramVec
	punches           *prometheus.CounterVec
	signalRelays      *prometheus.CounterVec
	graphSize         prometheus.Gauge
	graphReplacements *prometheus.CounterVec
	rpcHandled        *prometheus.CounterVec
	eventsDropped     prometheus.Counter
}

// NewRecorder registers metrics with provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polykey_connections_active",
			Help: "Number of live node connections across all peers",
		}),
		established: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polykey_connections_established_total",
			Help: "Connections registered in the pool grouped by direction",
		}, []string{"direction"}),
		destroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polykey_connections_destroyed_total",
			Help: "Connections destroyed grouped by reason",
		}, []string{"reason"}),
		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polykey_connection_dial_duration_seconds",
			Help:    "Latency of dial plus handshake",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		punches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polykey_hole_punch_total",
			Help: "Hole punch coordinations grouped by role and result",
		}, []string{"role", "result"}),
		signalRelays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polykey_signal_relays_total",
			Help: "Signaling requests handled as relay grouped by result",
		}, []string{"result"}),
		graphSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polykey_node_graph_size",
			Help: "Number of entries in the node graph",
		}),
		graphReplacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polykey_node_graph_full_bucket_total",
			Help: "Full bucket probes grouped by outcome",
		}, []string{"outcome"}),
		rpcHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polykey_rpc_handled_total",
			Help: "Inbound RPC calls grouped by method and result",
		}, []string{"method", "result"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polykey_events_dropped_total",
			Help: "Lifecycle events dropped because a subscriber was full",
		}),
	}

	reg.MustRegister(
		r.connectionsActive,
		r.established,
		r.destroyed,
		r.dialDuration,
		r.punches,
		r.signalRelays,
		r.graphSize,
		r.graphReplacements,
		r.rpcHandled,
		r.eventsDropped,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// SetConnectionsActive records the pool size.
func (r *Recorder) SetConnectionsActive(n int) {
	if r == nil {
		return
	}
	r.connectionsActive.Set(float64(n))
}

// ObserveEstablished counts a registered connection.
func (r *Recorder) ObserveEstablished(direction string) {
	if r == nil {
		return
	}
	r.established.WithLabelValues(direction).Inc()
}

// ObserveDestroyed counts a destroyed connection.
func (r *Recorder) ObserveDestroyed(reason string) {
	if r == nil {
		return
	}
	r.destroyed.WithLabelValues(reason).Inc()
}

// ObserveDial records dial latency in seconds.
func (r *Recorder) ObserveDial(result string, seconds float64) {
	if r == nil {
		return
	}
	r.dialDuration.WithLabelValues(result).Observe(seconds)
}

// ObservePunch counts a punch coordination.
func (r *Recorder) ObservePunch(role, result string) {
	if r == nil {
		return
	}
	r.punches.WithLabelValues(role, result).Inc()
}

// ObserveSignalRelay counts a relay decision.
func (r *Recorder) ObserveSignalRelay(result string) {
	if r == nil {
		return
	}
	r.signalRelays.WithLabelValues(result).Inc()
}

// SetGraphSize records the node graph size.
func (r *Recorder) SetGraphSize(n int) {
	if r == nil {
		return
	}
	r.graphSize.Set(float64(n))
}

// ObserveGraphProbe counts a full-bucket probe outcome.
func (r *Recorder) ObserveGraphProbe(outcome string) {
	if r == nil {
		return
	}
	r.graphReplacements.WithLabelValues(outcome).Inc()
}

// ObserveRPC counts an inbound RPC.
func (r *Recorder) ObserveRPC(method, result string) {
	if r == nil {
		return
	}
	r.rpcHandled.WithLabelValues(method, result).Inc()
}

// ObserveEventDropped counts a dropped lifecycle event.
func (r *Recorder) ObserveEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Inc()
}
