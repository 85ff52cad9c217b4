package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the server.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	ControlMessages *prometheus.CounterVec
	AudioPackets    *prometheus.CounterVec
	FrameDrops      *prometheus.CounterVec
	RoutingFanout   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of established voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ControlMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control channel messages by direction and type.",
		}, []string{"direction", "type"}),
		AudioPackets: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_packets_total",
			Help:      "Unreliable channel packets by direction and type.",
		}, []string{"direction", "type"}),
		FrameDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_drops_total",
			Help:      "Frames dropped before routing, by reason.",
		}, []string{"reason"}),
		RoutingFanout: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_fanout",
			Help:      "Listeners reached per routed audio packet.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
