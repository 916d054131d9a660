package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	SessionsStarted   *prometheus.CounterVec
	SessionsFinished  *prometheus.CounterVec
	ServerEvents      *prometheus.CounterVec
	ClientFrames      *prometheus.CounterVec
	RemoteErrors      *prometheus.CounterVec
	ToolExecutions    *prometheus.CounterVec
	AvatarExchanges   *prometheus.CounterVec
	TokensUsed        *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	SdpWaitDuration   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live client connections.",
		}),
		SessionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started by session kind.",
		}, []string{"kind"}),
		SessionsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions finished by kind and terminal status.",
		}, []string{"kind", "status"}),
		ServerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_events_total",
			Help:      "Remote service events by type.",
		}, []string{"event"}),
		ClientFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_frames_total",
			Help:      "Client frames by direction and kind.",
		}, []string{"direction", "kind"}),
		RemoteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "Remote service errors by code.",
		}, []string{"code"}),
		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool name.",
		}, []string{"tool"}),
		AvatarExchanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_exchanges_total",
			Help:      "Avatar SDP exchanges by outcome.",
		}, []string{"outcome"}),
		TokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Model tokens consumed by direction.",
		}, []string{"direction"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from session start to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		SdpWaitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sdp_wait_duration_ms",
			Help:      "Time spent waiting for the avatar SDP answer in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 20000},
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSdpWait(d time.Duration) {
	m.SdpWaitDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
