package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Connections            prometheus.Gauge
	FramesFannedOut        *prometheus.CounterVec
	FramesDropped          prometheus.Counter
	MalformedFrames        prometheus.Counter
	PersistFailures        *prometheus.CounterVec
	NotificationsPublished *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ws_active_connections",
			Help: "Active websocket connections",
		}),
		FramesFannedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_fanned_out_total",
			Help: "Frames delivered to local subscribers",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Frames dropped because a subscriber buffer was full",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "Inbound frames that could not be decoded",
		}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_persist_failures_total",
			Help: "Storage failures surfaced to callers",
		}, []string{"op"}),
		NotificationsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_published_total",
			Help: "Notifications persisted and pushed to staff",
		}, []string{"type"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.FramesFannedOut,
		m.FramesDropped,
		m.MalformedFrames,
		m.PersistFailures,
		m.NotificationsPublished,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) FannedOut(kind string, n int) {
	if m != nil && n > 0 {
		m.FramesFannedOut.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.FramesDropped.Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.MalformedFrames.Inc()
	}
}

func (m *Metrics) PersistFailed(op string) {
	if m != nil {
		m.PersistFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) NotificationPublished(typ string) {
	if m != nil {
		m.NotificationsPublished.WithLabelValues(typ).Inc()
	}
}
