package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/asr-ws-bridge/internal/config"
	"github.com/skypro1111/asr-ws-bridge/internal/metrics"
	"github.com/skypro1111/asr-ws-bridge/internal/session"
)

// HTTPServer exposes the monitoring API: health, session introspection,
// effective configuration, and Prometheus metrics.
type HTTPServer struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	manager *session.Manager
	srv     *http.Server
	started time.Time
}

// NewHTTPServer creates the monitoring API server
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, mgr *session.Manager) *HTTPServer {
	return &HTTPServer{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		manager: mgr,
		started: time.Now(),
	}
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withMetrics wraps a handler with request counting and timing
func (s *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		handler(rec, r)

		s.metrics.RecordHTTPRequest(endpoint, fmt.Sprintf("%d", rec.status), time.Since(start))
	}
}

// Start runs the monitoring API listener. It blocks until the server stops.
func (s *HTTPServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	mux.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions))
	mux.HandleFunc("/sessions/", s.withMetrics("/sessions/{id}", s.handleSession))
	mux.HandleFunc("/config", s.withMetrics("/config", s.handleConfig))
	mux.HandleFunc("/stats", s.withMetrics("/stats", s.handleStats))
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.cfg.HTTP.Address, s.cfg.HTTP.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Monitoring API listening", slog.String("address", addr))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitoring API failed: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode API response", slog.String("error", err.Error()))
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"active_sessions": s.manager.Count(),
	})
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.manager.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(infos),
		"sessions": infos,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session id"})
		return
	}

	sess := s.manager.Get(id)
	if sess == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleConfig reports the effective runtime configuration, omitting
// filesystem paths.
func (s *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"audio": map[string]interface{}{
			"sample_rate":            s.cfg.Audio.SampleRate,
			"channels":               s.cfg.Audio.Channels,
			"frame_ms":               s.cfg.Audio.FrameMs,
			"max_segment_duration_s": s.cfg.Audio.MaxSegmentDuration,
			"allowed_sample_rates":   s.cfg.Audio.AllowedSampleRates,
			"segment_queue_size":     s.cfg.Audio.SegmentQueueSize,
		},
		"server": map[string]interface{}{
			"max_connections": s.cfg.Server.MaxConnections,
			"tls_enabled":     s.cfg.Server.TLSEnabled,
		},
		"backend": map[string]interface{}{
			"host":                 s.cfg.Backend.Host,
			"port":                 s.cfg.Backend.Port,
			"max_connect_attempts": s.cfg.Backend.MaxConnectAttempts,
			"event_timeout":        s.cfg.Backend.EventTimeout,
			"finalize_timeout":     s.cfg.Backend.FinalizeTimeout,
		},
	})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	infos := s.manager.List()

	var frames, invalid uint64
	byState := make(map[string]int)
	for _, info := range infos {
		frames += info.FramesReceived
		invalid += info.FramesInvalid
		byState[info.State]++
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_sessions":   len(infos),
		"sessions_by_state": byState,
		"frames_received":   frames,
		"frames_invalid":    invalid,
		"uptime_seconds":    int(time.Since(s.started).Seconds()),
	})
}
