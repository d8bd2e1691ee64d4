// Package metrics exposes collaboration counters to Prometheus. A nil
// *Collab is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snippet_collab"

type Collab struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	sessions        prometheus.Gauge
	relayed         *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	identityDefault prometheus.Counter
	evicted         prometheus.Counter
	identityLatency prometheus.Histogram
}

func New() *Collab {
	reg := prometheus.NewRegistry()
	m := &Collab{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Open websocket connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "edit_sessions",
			Help: "Registered edit sessions across all documents.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relayed_messages_total",
			Help: "Messages relayed to a room, by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_messages_total",
			Help: "Outbound messages dropped because a send buffer was full.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_frames_total",
			Help: "Inbound frames rejected, by reason.",
		}, []string{"reason"}),
		identityDefault: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "identity_fallback_total",
			Help: "Joins that used a placeholder display name.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "evicted_sessions_total",
			Help: "Stale sessions removed by the sweeper.",
		}),
		identityLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "identity_lookup_seconds",
			Help:    "User directory lookup latency on join.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.sessions, m.relayed, m.dropped, m.rejected,
		m.identityDefault, m.evicted, m.identityLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Collab) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Collab) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Collab) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Collab) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Collab) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Collab) Relayed(msgType string) {
	if m != nil {
		m.relayed.WithLabelValues(msgType).Inc()
	}
}

func (m *Collab) Dropped(msgType string) {
	if m != nil {
		m.dropped.WithLabelValues(msgType).Inc()
	}
}

func (m *Collab) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Collab) IdentityFallback() {
	if m != nil {
		m.identityDefault.Inc()
	}
}

func (m *Collab) Evicted(n int) {
	if m != nil {
		m.evicted.Add(float64(n))
	}
}

func (m *Collab) ObserveIdentity(seconds float64) {
	if m != nil {
		m.identityLatency.Observe(seconds)
	}
}
