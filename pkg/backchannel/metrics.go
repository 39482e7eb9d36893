package backchannel

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Причины stop маркера
const (
	StopReasonTimeout   = "timeout"
	StopReasonTransport = "transport"
	StopReasonClose     = "close"
)

// Metrics метрики backchannel сервиса в собственном реестре
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	framesEnqueued   prometheus.Counter
	framesProcessed  prometheus.Counter
	framesDiscarded  prometheus.Counter
	stopMarkers      *prometheus.CounterVec
	preemptions      prometheus.Counter
	decodeErrors     *prometheus.CounterVec
	outputErrors     prometheus.Counter
	setupFailures    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	truncatedPackets prometheus.Counter
}

// NewMetrics создает метрики с новым реестром
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	const namespace = "backchannel"

	return &Metrics{
		registry: registry,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live backchannel sessions",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of backchannel sessions set up",
		}, []string{"transport"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of backchannel sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 1800, 3600},
		}),
		framesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_enqueued_total",
			Help:      "Frames handed from receivers to the worker queue",
		}),
		framesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames decoded and written by the worker",
		}),
		framesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_discarded_total",
			Help:      "Frames dropped by the worker",
		}),
		stopMarkers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_markers_total",
			Help:      "Stop markers enqueued by receivers",
		}, []string{"reason"}),
		preemptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preemptions_total",
			Help:      "Switches away from a session that had not ended",
		}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Payloads the decoder rejected",
		}, []string{"format"}),
		outputErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_errors_total",
			Help:      "Failed PCM output writes",
		}),
		setupFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_failures_total",
			Help:      "Rejected session setups by error code",
		}, []string{"code"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Frames waiting for the worker",
		}),
		truncatedPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_frames_total",
			Help:      "Frames larger than the receive buffer",
		}),
	}
}

// Registry возвращает реестр метрик
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler возвращает HTTP обработчик для экспорта метрик
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
