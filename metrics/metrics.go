// Package metrics holds the Prometheus collectors of the relay. All methods are safe
// to call on a nil *Metrics, so components can run without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collab_relay"

type Metrics struct {
	connections    prometheus.Gauge
	rooms          prometheus.Gauge
	frames         *prometheus.CounterVec
	broadcastSkips prometheus.Counter
	flushes        *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	authRetries    prometheus.Counter
	pendingFlushed prometheus.Counter
	roomsEvicted   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently held in memory.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by kind.",
		}, []string{"kind"}),
		broadcastSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_skips_total",
			Help:      "Frames not delivered to a peer that was not writable.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Position write-back attempts by result.",
		}, []string{"result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Internal token issuance requests by result.",
		}, []string{"result"}),
		authRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_auth_retries_total",
			Help:      "Backend calls replayed after a 401.",
		}),
		pendingFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_flushed_total",
			Help:      "Node positions persisted to the backend.",
		}),
		roomsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_evicted_total",
			Help:      "Idle rooms dropped from memory.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connections,
			m.rooms,
			m.frames,
			m.broadcastSkips,
			m.flushes,
			m.tokenRefreshes,
			m.authRetries,
			m.pendingFlushed,
			m.roomsEvicted,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) RoomCreated() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomsEvicted(n int) {
	if m != nil && n > 0 {
		m.rooms.Sub(float64(n))
		m.roomsEvicted.Add(float64(n))
	}
}

// Frame counts one inbound frame by kind ("crdt", "json", "control", "dropped").
func (m *Metrics) Frame(kind string) {
	if m != nil {
		m.frames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) BroadcastSkipped() {
	if m != nil {
		m.broadcastSkips.Inc()
	}
}

func (m *Metrics) Flush(ok bool, positions int) {
	if m == nil {
		return
	}
	if ok {
		m.flushes.WithLabelValues("success").Inc()
		m.pendingFlushed.Add(float64(positions))
		return
	}
	m.flushes.WithLabelValues("failure").Inc()
}

func (m *Metrics) TokenRefresh(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.tokenRefreshes.WithLabelValues("success").Inc()
		return
	}
	m.tokenRefreshes.WithLabelValues("failure").Inc()
}

func (m *Metrics) AuthRetry() {
	if m != nil {
		m.authRetries.Inc()
	}
}
