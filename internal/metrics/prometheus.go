package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the bridge
type Metrics struct {
	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsDenied prometheus.Counter

	// Session metrics
	SessionsStarted   prometheus.Counter
	SessionsFinalized prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Audio metrics
	FramesReceived  prometheus.Counter
	FramesInvalid   *prometheus.CounterVec
	AudioBytes      prometheus.Counter
	FramePeak       prometheus.Histogram
	FrameRMS        prometheus.Histogram
	SegmentsSealed  prometheus.Counter
	SegmentsForced  prometheus.Counter
	SegmentsDropped prometheus.Counter
	SegmentDuration prometheus.Histogram

	// Backend metrics
	BackendConnects   prometheus.Counter
	BackendReconnects prometheus.Counter
	BackendDegraded   prometheus.Counter
	BackendEvents     *prometheus.CounterVec
	BackendSynthetic  prometheus.Counter

	// Client event metrics
	EventsSent *prometheus.CounterVec
	ErrorsSent *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_connections_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "asr_bridge_connections_active",
			Help: "Number of currently active WebSocket connections",
		}),
		ConnectionsDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_connections_denied_total",
			Help: "Connections rejected because the connection limit was reached",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_sessions_finalized_total",
			Help: "Total number of recording sessions finalized",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_bridge_session_duration_seconds",
			Help:    "Recording session duration from start to final transcript",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_frames_received_total",
			Help: "Total number of audio frames received from clients",
		}),
		FramesInvalid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_bridge_frames_invalid_total",
			Help: "Audio frames rejected by validation, by rejection category",
		}, []string{"reason"}),
		FramePeak: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_bridge_frame_peak",
			Help:    "Normalized peak level of accepted audio frames",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
		}),
		FrameRMS: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_bridge_frame_rms",
			Help:    "Normalized RMS level of accepted audio frames",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
		}),
		AudioBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_audio_bytes_total",
			Help: "Total audio payload bytes received from clients",
		}),
		SegmentsSealed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_segments_sealed_total",
			Help: "Total number of audio segments sealed",
		}),
		SegmentsForced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_segments_forced_total",
			Help: "Segments sealed because they reached the duration cap",
		}),
		SegmentsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_segments_dropped_total",
			Help: "Segments evicted from the backend queue under backpressure",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "asr_bridge_segment_duration_seconds",
			Help:    "Duration of sealed audio segments",
			Buckets: []float64{0.5, 1, 2, 3, 4, 5},
		}),
		BackendConnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_backend_connects_total",
			Help: "Total number of backend streams established",
		}),
		BackendReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_backend_reconnects_total",
			Help: "Backend streams re-established after a mid-session drop",
		}),
		BackendDegraded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_backend_degraded_total",
			Help: "Sessions that entered degraded mode",
		}),
		BackendEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_bridge_backend_events_total",
			Help: "Transcription events received from the backend",
		}, []string{"type"}),
		BackendSynthetic: promauto.NewCounter(prometheus.CounterOpts{
			Name: "asr_bridge_backend_synthetic_total",
			Help: "Synthetic final events emitted in degraded mode",
		}),
		EventsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_bridge_events_sent_total",
			Help: "Events sent to clients",
		}, []string{"type"}),
		ErrorsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_bridge_errors_sent_total",
			Help: "Error events sent to clients",
		}, []string{"code"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "asr_bridge_http_requests_total",
			Help: "Total HTTP API requests",
		}, []string{"endpoint", "status"}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asr_bridge_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// RecordConnection records an accepted connection
func (m *Metrics) RecordConnection() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordDisconnection records a closed connection
func (m *Metrics) RecordDisconnection() {
	m.ConnectionsActive.Dec()
}

// RecordConnectionDenied records a connection rejected at the limit
func (m *Metrics) RecordConnectionDenied() {
	m.ConnectionsDenied.Inc()
}

// RecordSessionStarted records a new recording session
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionFinalized records a finished session and its duration
func (m *Metrics) RecordSessionFinalized(duration time.Duration) {
	m.SessionsFinalized.Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordFrame records a received audio frame
func (m *Metrics) RecordFrame(bytes int) {
	m.FramesReceived.Inc()
	m.AudioBytes.Add(float64(bytes))
}

// RecordInvalidFrame records a rejected audio frame. reason must be a
// bounded category code, never free-form text, to keep series cardinality
// fixed.
func (m *Metrics) RecordInvalidFrame(reason string) {
	m.FramesInvalid.WithLabelValues(reason).Inc()
}

// RecordAudioLevel records the signal levels of an accepted frame
func (m *Metrics) RecordAudioLevel(peak, rms float64) {
	m.FramePeak.Observe(peak)
	m.FrameRMS.Observe(rms)
}

// RecordSegmentSealed records a sealed segment
func (m *Metrics) RecordSegmentSealed(duration time.Duration, forced bool) {
	m.SegmentsSealed.Inc()
	m.SegmentDuration.Observe(duration.Seconds())
	if forced {
		m.SegmentsForced.Inc()
	}
}

// RecordSegmentDropped records a segment evicted under backpressure
func (m *Metrics) RecordSegmentDropped() {
	m.SegmentsDropped.Inc()
}

// RecordBackendConnect records an established backend stream
func (m *Metrics) RecordBackendConnect() {
	m.BackendConnects.Inc()
}

// RecordBackendReconnect records a re-established backend stream
func (m *Metrics) RecordBackendReconnect() {
	m.BackendReconnects.Inc()
}

// RecordBackendDegraded records a session entering degraded mode
func (m *Metrics) RecordBackendDegraded() {
	m.BackendDegraded.Inc()
}

// RecordBackendEvent records a transcription event from the backend
func (m *Metrics) RecordBackendEvent(eventType string) {
	m.BackendEvents.WithLabelValues(eventType).Inc()
}

// RecordSyntheticEvent records a synthetic degraded-mode final
func (m *Metrics) RecordSyntheticEvent() {
	m.BackendSynthetic.Inc()
}

// RecordEventSent records an event delivered to a client
func (m *Metrics) RecordEventSent(eventType string) {
	m.EventsSent.WithLabelValues(eventType).Inc()
}

// RecordErrorSent records an error event delivered to a client
func (m *Metrics) RecordErrorSent(code string) {
	m.ErrorsSent.WithLabelValues(code).Inc()
}

// RecordHTTPRequest records an HTTP API request
func (m *Metrics) RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(endpoint, status).Inc()
	m.HTTPDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
