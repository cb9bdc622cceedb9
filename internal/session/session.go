package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/asr-ws-bridge/internal/asr"
	"github.com/skypro1111/asr-ws-bridge/internal/audio"
	"github.com/skypro1111/asr-ws-bridge/internal/config"
	"github.com/skypro1111/asr-ws-bridge/internal/metrics"
	"github.com/skypro1111/asr-ws-bridge/internal/protocol"
	"github.com/skypro1111/asr-ws-bridge/internal/relay"
)

// State is the session lifecycle state. Transitions only move forward:
// init → streaming → finalizing → closed.
type State int32

const (
	StateInit State = iota
	StateStreaming
	StateFinalizing
	StateClosed
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Info is a session snapshot for the monitoring API
type Info struct {
	ID             string                  `json:"id"`
	State          string                  `json:"state"`
	CreatedAt      time.Time               `json:"created_at"`
	LastActivity   time.Time               `json:"last_activity"`
	SampleRate     int                     `json:"sample_rate,omitempty"`
	FramesReceived uint64                  `json:"frames_received"`
	FramesInvalid  uint64                  `json:"frames_invalid"`
	LastPeak       float64                 `json:"last_peak"`
	LastRMS        float64                 `json:"last_rms"`
	Audio          *audio.AccumulatorStats `json:"audio,omitempty"`
	Backend        *asr.AdapterStats       `json:"backend,omitempty"`
}

// Session handles one client WebSocket connection: control messages and
// audio frames in, transcription events out. All client reads happen on the
// Run goroutine; writes from the event and finalize goroutines are
// serialized by writeMu.
type Session struct {
	ID string

	conn    *websocket.Conn
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	onClose func(id string)

	state atomic.Int32

	stream     protocol.StreamConfig
	frameCfg   audio.FrameConfig
	maxSamples int
	acc        *audio.Accumulator
	adapter    *asr.Adapter
	results    *relay.Relay

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	createdAt    time.Time
	startedAt    time.Time
	lastActivity atomic.Int64

	framesReceived atomic.Uint64
	framesInvalid  atomic.Uint64
	totalSamples   atomic.Uint64
	lastPeak       atomic.Uint64 // math.Float64bits
	lastRMS        atomic.Uint64 // math.Float64bits

	finalizeTarget int
	finalReady     chan struct{}
	finalOnce      sync.Once
	closeOnce      sync.Once
}

// New creates a session for an upgraded client connection. onClose is
// invoked exactly once when the session ends, with the session ID.
func New(conn *websocket.Conn, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, onClose func(id string)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	s := &Session{
		ID:         id,
		conn:       conn,
		cfg:        cfg,
		logger:     logger.With(slog.String("connection_id", id)),
		metrics:    m,
		onClose:    onClose,
		ctx:        ctx,
		cancel:     cancel,
		createdAt:  time.Now(),
		finalReady: make(chan struct{}),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run drives the session until the client disconnects or the session is
// closed. It blocks; callers run it on its own goroutine.
func (s *Session) Run() {
	defer s.Close()

	s.conn.SetReadLimit(s.cfg.Server.MaxMessageBytes)

	if err := s.sendEvent(protocol.TypeConnected, protocol.ConnectedEvent{
		Type:         protocol.TypeConnected,
		ConnectionID: s.ID,
		Config: protocol.ServerInfo{
			SampleRate: s.cfg.Audio.SampleRate,
			Channels:   s.cfg.Audio.Channels,
			FrameMs:    s.cfg.Audio.FrameMs,
		},
	}); err != nil {
		s.logger.Warn("Failed to send greeting", slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	go s.pingLoop()

	s.logger.Info("Client connected")

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosed {
				s.logger.Info("Client connection lost",
					slog.String("state", s.State().String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		s.touch()

		switch msgType {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleFrame(data)
		default:
			s.logger.Debug("Ignoring message", slog.Int("ws_type", msgType))
		}
	}
}

// handleControl dispatches one JSON control message
func (s *Session) handleControl(data []byte) {
	msg, err := protocol.ParseControl(data)
	if err != nil {
		// Mid-recording, an unrecognized control type is a soft condition:
		// warn and keep streaming
		if errors.Is(err, protocol.ErrUnknownType) && s.State() == StateStreaming {
			s.sendWarning(err.Error())
			return
		}
		s.sendError(protocol.CodeProtocolError, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		s.sendEvent(protocol.TypePong, protocol.PongEvent{
			Type:      protocol.TypePong,
			Timestamp: time.Now().UTC(),
		})
	case protocol.TypeStartRecording:
		s.handleStart(msg.Config)
	case protocol.TypeStopRecording:
		s.handleStop()
	}
}

// handleStart validates the negotiated stream configuration and brings up
// the segment accumulator, the backend adapter, and the result relay.
func (s *Session) handleStart(streamCfg *protocol.StreamConfig) {
	if s.State() != StateInit {
		s.sendError(protocol.CodeProtocolError,
			"start_recording is only valid before recording has started")
		return
	}

	if streamCfg == nil {
		streamCfg = &protocol.StreamConfig{
			SampleRate: s.cfg.Audio.SampleRate,
			Channels:   s.cfg.Audio.Channels,
			Encoding:   protocol.EncodingPCM16,
		}
	}
	if err := streamCfg.Validate(s.cfg.Audio.AllowedSampleRates); err != nil {
		s.sendError(protocol.CodeValidationError, err.Error())
		return
	}

	s.stream = *streamCfg
	s.frameCfg = audio.FrameConfig{
		SampleRate: streamCfg.SampleRate,
		Channels:   streamCfg.Channels,
		FrameMs:    s.cfg.Audio.FrameMs,
	}
	s.maxSamples = s.cfg.Audio.MaxSegmentSamples(streamCfg.SampleRate)

	s.results = relay.New(s.logger)
	s.acc = audio.NewAccumulator(s.maxSamples, streamCfg.SampleRate,
		s.cfg.Audio.SegmentQueueSize, s.onSegmentDrop)
	s.adapter = asr.NewAdapter(asr.Config{
		Host:               s.cfg.Backend.Host,
		Port:               s.cfg.Backend.Port,
		TLSEnabled:         s.cfg.Backend.TLSEnabled,
		ConnectTimeout:     s.cfg.Backend.GetConnectTimeout(),
		MaxConnectAttempts: s.cfg.Backend.MaxConnectAttempts,
		ReconnectBackoff:   s.cfg.Backend.GetReconnectBackoff(),
		EventTimeout:       s.cfg.Backend.GetEventTimeout(),
		CloseGrace:         s.cfg.Backend.GetCloseGrace(),
	}, *streamCfg, s.logger)

	s.startedAt = time.Now()
	s.state.Store(int32(StateStreaming))

	s.metrics.RecordSessionStarted()
	s.sendEvent(protocol.TypeRecordingStarted, protocol.RecordingStartedEvent{
		Type:      protocol.TypeRecordingStarted,
		Timestamp: s.startedAt.UTC(),
	})

	s.wg.Add(2)
	go s.sendLoop()
	go s.eventLoop()

	s.logger.Info("Recording started",
		slog.Int("sample_rate", streamCfg.SampleRate),
		slog.Int("channels", streamCfg.Channels),
		slog.Int("max_segment_samples", s.maxSamples),
	)
}

// handleFrame validates one binary audio frame and feeds it to the
// accumulator. Invalid frames are reported and skipped; the session
// continues.
func (s *Session) handleFrame(data []byte) {
	switch s.State() {
	case StateStreaming:
	case StateFinalizing, StateClosed:
		// Frames racing the client's own stop_recording; drop quietly
		s.logger.Debug("Discarding audio frame after stop")
		return
	default:
		s.sendError(protocol.CodeProtocolError,
			"audio frames are only accepted while recording")
		return
	}

	s.framesReceived.Add(1)
	s.metrics.RecordFrame(len(data))

	result := audio.ValidateFrame(data, s.frameCfg)
	if !result.Valid {
		s.framesInvalid.Add(1)
		s.metrics.RecordInvalidFrame(result.Code)
		s.sendError(protocol.CodeValidationError, result.Reason)
		return
	}

	s.lastPeak.Store(math.Float64bits(result.Peak))
	s.lastRMS.Store(math.Float64bits(result.RMS))
	s.metrics.RecordAudioLevel(result.Peak, result.RMS)

	s.totalSamples.Add(uint64(len(result.Samples)))
	s.acc.Append(result.Samples)
}

// handleStop flushes the trailing partial segment and starts finalization.
// The finalize goroutine waits for the final result of the last sealed
// segment, bounded by the configured timeout.
func (s *Session) handleStop() {
	switch s.State() {
	case StateStreaming:
	case StateFinalizing:
		s.sendWarning("recording is already being finalized")
		return
	default:
		s.sendError(protocol.CodeProtocolError,
			"stop_recording is only valid while recording")
		return
	}

	s.acc.Flush()
	target := s.acc.LastSealedIndex()
	s.finalizeTarget = target
	s.state.Store(int32(StateFinalizing))
	s.acc.Close()

	s.logger.Info("Recording stopped, finalizing",
		slog.Int("target_segment", target),
	)

	if target < 0 || s.results.HasFinal(target) {
		s.finalOnce.Do(func() { close(s.finalReady) })
	}

	s.wg.Add(1)
	go s.finalize(target)
}

// finalize emits the final transcript once every pending segment has a
// final result, or once the finalize timeout expires, whichever comes
// first, then closes the session.
func (s *Session) finalize(target int) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.Backend.GetFinalizeTimeout())
	defer timer.Stop()

	select {
	case <-s.finalReady:
	case <-timer.C:
		s.logger.Warn("Finalize timeout, emitting transcript from results received so far",
			slog.Int("target_segment", target),
			slog.Int("finals_received", s.results.FinalCount()),
		)
		s.sendError(protocol.CodeBackendTimeout,
			"some segments did not produce a result before the deadline")
	case <-s.ctx.Done():
		return
	}

	totalDuration := float64(s.totalSamples.Load()) / float64(s.stream.SampleRate)
	s.sendEvent(protocol.TypeFinalTranscript, protocol.FinalTranscriptEvent{
		Type:          protocol.TypeFinalTranscript,
		Text:          s.results.Transcript(),
		TotalSegments: int(s.acc.SealedCount()),
		TotalDuration: totalDuration,
	})

	s.metrics.RecordSessionFinalized(time.Since(s.startedAt))
	s.logger.Info("Session finalized",
		slog.Uint64("segments", s.acc.SealedCount()),
		slog.Duration("session_duration", time.Since(s.startedAt)),
	)

	s.Close()
}

// sendLoop opens the backend stream and forwards sealed segments to it.
// Opening happens here rather than on the read loop so connect backoff
// never blocks incoming audio; the accumulator queue absorbs segments in
// the meantime.
func (s *Session) sendLoop() {
	defer s.wg.Done()

	if err := s.adapter.Open(s.ctx); err != nil {
		return
	}

	degradedSeen := false
	var reconnectsSeen uint64

	if s.adapter.Mode() == asr.ModeLive {
		s.metrics.RecordBackendConnect()
	} else {
		degradedSeen = true
		s.noteDegraded()
	}

	for seg := range s.acc.Segments() {
		forced := len(seg.Samples) >= s.maxSamples
		s.metrics.RecordSegmentSealed(seg.Duration(), forced)

		if dir := s.cfg.Audio.DumpDir; dir != "" {
			if err := audio.DumpSegment(dir, s.ID, seg); err != nil {
				s.logger.Warn("Failed to dump segment",
					slog.Int("segment_index", seg.Index),
					slog.String("error", err.Error()),
				)
			}
		}

		s.adapter.Send(seg)

		stats := s.adapter.Stats()
		if stats.Reconnects > reconnectsSeen {
			s.metrics.RecordBackendReconnect()
			reconnectsSeen = stats.Reconnects
		}
		if !degradedSeen && s.adapter.Mode() == asr.ModeDegraded {
			degradedSeen = true
			s.noteDegraded()
		}
	}

	s.adapter.Finish()
}

// eventLoop relays backend transcription events to the client and signals
// finalization once the target segment's final result has arrived.
func (s *Session) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.adapter.Events():
			s.metrics.RecordBackendEvent(ev.Type)
			if ev.Text == "" && ev.IsFinal && s.adapter.Mode() == asr.ModeDegraded {
				s.metrics.RecordSyntheticEvent()
			}

			if !s.results.Observe(ev) {
				continue
			}
			s.sendEvent(ev.Type, ev)

			if ev.IsFinal && s.State() == StateFinalizing && s.results.HasFinal(s.finalizeTarget) {
				s.finalOnce.Do(func() { close(s.finalReady) })
			}
		}
	}
}

// pingLoop keeps the client connection alive with WebSocket ping frames
func (s *Session) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Server.GetPingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// onSegmentDrop surfaces a backpressure eviction to the client. Called from
// the accumulator while a newer segment replaces an older one.
func (s *Session) onSegmentDrop(segmentIndex int) {
	s.metrics.RecordSegmentDropped()
	s.results.MarkSkipped(segmentIndex)
	s.logger.Warn("Segment dropped under backpressure",
		slog.Int("segment_index", segmentIndex),
	)
	s.sendEvent(protocol.TypeSegmentDropped, protocol.SegmentDroppedEvent{
		Type:         protocol.TypeSegmentDropped,
		Code:         protocol.CodeBackpressure,
		SegmentIndex: segmentIndex,
	})
}

// noteDegraded reports the degraded-mode transition to the client once
func (s *Session) noteDegraded() {
	s.metrics.RecordBackendDegraded()
	s.sendError(protocol.CodeBackendUnavailable,
		"speech backend unavailable, continuing without recognition")
}

// sendEvent marshals and writes one event to the client
func (s *Session) sendEvent(eventType string, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Debug("Client write failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.metrics.RecordEventSent(eventType)
	return nil
}

// sendWarning writes a non-fatal warning event to the client
func (s *Session) sendWarning(message string) {
	s.logger.Warn("Client warning", slog.String("message", message))
	s.sendEvent(protocol.TypeWarning, protocol.WarningEvent{
		Type:    protocol.TypeWarning,
		Message: message,
	})
}

// sendError writes an error event to the client. Errors never terminate the
// session; only transport loss does.
func (s *Session) sendError(code, message string) {
	s.metrics.RecordErrorSent(code)
	s.logger.Warn("Client error",
		slog.String("code", code),
		slog.String("error", message),
	)
	s.sendEvent(protocol.TypeError, protocol.ErrorEvent{
		Type:  protocol.TypeError,
		Code:  code,
		Error: message,
	})
}

// touch records client activity for idle tracking
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns how long ago the client last sent a message
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Snapshot returns a point-in-time view of the session for monitoring
func (s *Session) Snapshot() Info {
	info := Info{
		ID:             s.ID,
		State:          s.State().String(),
		CreatedAt:      s.createdAt,
		LastActivity:   time.Unix(0, s.lastActivity.Load()),
		FramesReceived: s.framesReceived.Load(),
		FramesInvalid:  s.framesInvalid.Load(),
		LastPeak:       math.Float64frombits(s.lastPeak.Load()),
		LastRMS:        math.Float64frombits(s.lastRMS.Load()),
	}

	if s.State() != StateInit {
		info.SampleRate = s.stream.SampleRate
		if s.acc != nil {
			stats := s.acc.Stats()
			info.Audio = &stats
		}
		if s.adapter != nil {
			stats := s.adapter.Stats()
			info.Backend = &stats
		}
	}

	return info
}

// Close tears the session down. Safe to call multiple times and from any
// goroutine; the first call wins.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()

		if s.acc != nil {
			s.acc.Close()
		}
		if s.adapter != nil {
			s.adapter.Close()
		}
		s.conn.Close()

		s.metrics.RecordDisconnection()
		s.onClose(s.ID)

		s.logger.Info("Session closed",
			slog.Uint64("frames_received", s.framesReceived.Load()),
			slog.Duration("session_age", time.Since(s.createdAt)),
		)
	})
}
