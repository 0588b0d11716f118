package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus instruments.
type Metrics struct {
	MessagesTotal     prometheus.CounterVec
	ChunksTotal       prometheus.CounterVec
	AccessDeniedTotal prometheus.Counter
	ErrorsTotal       prometheus.CounterVec

	ConnectionsActive prometheus.Gauge

	UpstreamWaitDuration prometheus.Histogram
	ResponseDuration     prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics registers the relay metrics exactly once.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			MessagesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_messages_total",
					Help: "Inbound client messages by type",
				},
				[]string{"type"},
			),
			ChunksTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_chunks_total",
					Help: "Upstream chunks handled by chunk type",
				},
				[]string{"chunk_type"},
			),
			AccessDeniedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "parley_access_denied_total",
					Help: "Agent access denials",
				},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_errors_total",
					Help: "Errors by component and type",
				},
				[]string{"component", "type"},
			),
			ConnectionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_connections_active",
					Help: "Currently open browser connections",
				},
			),
			UpstreamWaitDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parley_upstream_wait_seconds",
					Help:    "Time spent waiting for the gateway link before a request",
					Buckets: prometheus.DefBuckets,
				},
			),
			ResponseDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_response_duration_seconds",
					Help:    "End-to-end request handling duration by type",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"type"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

func (m *Metrics) RecordMessage(msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordChunk(chunkType string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(chunkType).Inc()
}

func (m *Metrics) RecordAccessDenied() {
	if m == nil {
		return
	}
	m.AccessDeniedTotal.Inc()
}

func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

func (m *Metrics) SetActiveConnections(count int64) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(count))
}

func (m *Metrics) ObserveUpstreamWait(seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamWaitDuration.Observe(seconds)
}

func (m *Metrics) ObserveResponseDuration(msgType string, seconds float64) {
	if m == nil {
		return
	}
	m.ResponseDuration.WithLabelValues(msgType).Observe(seconds)
}
