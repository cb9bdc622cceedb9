package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/asr-ws-bridge/internal/audio"
	"github.com/skypro1111/asr-ws-bridge/internal/protocol"
)

// Mode is the backend connection mode. The live → degraded transition is
// one-way within a session: there is no automatic promotion back, to avoid
// flapping.
type Mode int32

const (
	ModeLive Mode = iota
	ModeDegraded
)

// String returns a human-readable mode name
func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int32(m))
	}
}

// Config contains backend adapter configuration
type Config struct {
	Host               string
	Port               int
	TLSEnabled         bool
	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	ReconnectBackoff   time.Duration
	EventTimeout       time.Duration
	CloseGrace         time.Duration
}

// AdapterStats is a snapshot of adapter state for monitoring
type AdapterStats struct {
	Mode          string `json:"mode"`
	Reconnects    uint64 `json:"reconnects"`
	SegmentsSent  uint64 `json:"segments_sent"`
	SyntheticEvts uint64 `json:"synthetic_events"`
	LastError     string `json:"last_error,omitempty"`
}

// backendStart opens a recognition stream on the engine
type backendStart struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// backendSegment announces the binary frame that follows it
type backendSegment struct {
	Type         string `json:"type"`
	SegmentIndex int    `json:"segment_index"`
	NumSamples   int    `json:"num_samples"`
}

type backendStop struct {
	Type string `json:"type"`
}

// Adapter owns one logical stream to the streaming-ASR engine for a single
// session. It forwards sealed segments, surfaces asynchronous partial/final
// events, and falls back to degraded mode (synthetic empty finals) when the
// engine is unreachable, so the client-visible protocol survives backend
// outages.
type Adapter struct {
	cfg    Config
	stream protocol.StreamConfig
	logger *slog.Logger

	mu      sync.Mutex // guards conn and all writes to it
	conn    *websocket.Conn
	lastErr error

	reconnectMu sync.Mutex // serializes redial attempts

	mode       atomic.Int32
	reconnects atomic.Uint64
	sent       atomic.Uint64
	synthetic  atomic.Uint64
	lastEvent  atomic.Int64 // unix nanos of the last backend event

	events chan protocol.TranscriptionEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewAdapter creates a backend adapter for one session
func NewAdapter(cfg Config, stream protocol.StreamConfig, logger *slog.Logger) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())

	return &Adapter{
		cfg:    cfg,
		stream: stream,
		logger: logger,
		events: make(chan protocol.TranscriptionEvent, 32),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// url builds the engine stream endpoint
func (a *Adapter) url() string {
	scheme := "ws"
	if a.cfg.TLSEnabled {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/stream", scheme, a.cfg.Host, a.cfg.Port)
}

// Open establishes the backend stream, retrying with exponential backoff.
// After exhausting the configured attempts the adapter enters degraded mode
// and Open returns nil: the session continues either way. An error is
// returned only when ctx is cancelled mid-dial.
func (a *Adapter) Open(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= a.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 1 {
			backoff := a.cfg.ReconnectBackoff << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-a.ctx.Done():
				return a.ctx.Err()
			}
		}

		conn, err := a.dial()
		if err != nil {
			lastErr = err
			a.logger.Warn("Backend connect attempt failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", a.cfg.MaxConnectAttempts),
				slog.String("error", err.Error()),
			)
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()

		a.lastEvent.Store(time.Now().UnixNano())
		a.startReadLoop(conn)
		a.startWatchdog()

		a.logger.Info("Backend stream established",
			slog.String("target", a.url()),
			slog.Int("attempt", attempt),
		)
		return nil
	}

	a.degrade(fmt.Errorf("connect retries exhausted: %w", lastErr))
	return nil
}

// dial performs a single connect plus stream start handshake
func (a *Adapter) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: a.cfg.ConnectTimeout,
	}

	conn, _, err := dialer.Dial(a.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("backend dial failed: %w", err)
	}

	start := backendStart{
		Type:       "start",
		SampleRate: a.stream.SampleRate,
		Channels:   a.stream.Channels,
		Encoding:   a.stream.Encoding,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send stream start: %w", err)
	}

	return conn, nil
}

// Send forwards a sealed segment to the engine. In degraded mode it
// synthesizes an empty final event instead, keeping the session protocol
// uniform for the client. Send never blocks beyond the write itself; queue
// depth is bounded upstream by the accumulator's drop policy.
func (a *Adapter) Send(seg *audio.Segment) {
	if a.Mode() == ModeDegraded {
		a.synthesizeFinal(seg.Index)
		return
	}

	if conn, err := a.writeSegment(seg); err != nil {
		a.logger.Warn("Backend segment write failed",
			slog.Int("segment_index", seg.Index),
			slog.String("error", err.Error()),
		)

		a.reconnect(conn, err)

		if a.Mode() == ModeDegraded {
			a.synthesizeFinal(seg.Index)
			return
		}

		if _, err := a.writeSegment(seg); err != nil {
			a.degrade(fmt.Errorf("segment write failed after reconnect: %w", err))
			a.synthesizeFinal(seg.Index)
			return
		}
	}

	a.sent.Add(1)
}

// writeSegment writes the segment header and binary payload under the write
// lock. It returns the connection it wrote to so a failed caller can tell
// reconnect which connection actually broke.
func (a *Adapter) writeSegment(seg *audio.Segment) (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil, fmt.Errorf("no backend connection")
	}

	header := backendSegment{
		Type:         "segment",
		SegmentIndex: seg.Index,
		NumSamples:   len(seg.Samples),
	}
	if err := a.conn.WriteJSON(header); err != nil {
		return a.conn, err
	}

	return a.conn, a.conn.WriteMessage(websocket.BinaryMessage, seg.Bytes())
}

// Finish tells the engine no more segments will arrive. In-flight segments
// still produce events until Close.
func (a *Adapter) Finish() {
	if a.Mode() == ModeDegraded {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return
	}
	if err := a.conn.WriteJSON(backendStop{Type: "stop"}); err != nil {
		a.logger.Debug("Backend stop write failed", slog.String("error", err.Error()))
	}
}

// Events returns the stream of backend transcription events. The channel is
// never closed; consumers select against their own cancellation signal.
func (a *Adapter) Events() <-chan protocol.TranscriptionEvent {
	return a.events
}

// Mode returns the current connection mode
func (a *Adapter) Mode() Mode {
	return Mode(a.mode.Load())
}

// Stats returns a snapshot of adapter state
func (a *Adapter) Stats() AdapterStats {
	a.mu.Lock()
	lastErr := ""
	if a.lastErr != nil {
		lastErr = a.lastErr.Error()
	}
	a.mu.Unlock()

	return AdapterStats{
		Mode:          a.Mode().String(),
		Reconnects:    a.reconnects.Load(),
		SegmentsSent:  a.sent.Load(),
		SyntheticEvts: a.synthetic.Load(),
		LastError:     lastErr,
	}
}

// Close terminates the backend stream, discarding in-flight work. Teardown
// is cooperative and bounded by the configured grace period.
func (a *Adapter) Close() {
	a.cancel()

	a.mu.Lock()
	if a.conn != nil {
		a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(a.cfg.CloseGrace):
		a.logger.Warn("Backend adapter teardown exceeded grace period",
			slog.Duration("grace", a.cfg.CloseGrace),
		)
	}
}

// startReadLoop consumes engine events from conn until it fails or the
// adapter is closed. A stale loop whose connection was already replaced
// exits without side effects.
func (a *Adapter) startReadLoop(conn *websocket.Conn) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-a.ctx.Done():
					return
				default:
				}

				a.mu.Lock()
				stale := a.conn != conn
				a.mu.Unlock()
				if stale || a.Mode() == ModeDegraded {
					return
				}

				a.logger.Warn("Backend stream read failed",
					slog.String("error", err.Error()),
				)
				a.reconnect(conn, err)
				return
			}

			var ev protocol.TranscriptionEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				a.logger.Warn("Discarding malformed backend event",
					slog.String("error", err.Error()),
				)
				continue
			}

			if ev.Type != protocol.TypePartial && ev.Type != protocol.TypeFinal {
				a.logger.Debug("Ignoring backend message",
					slog.String("type", ev.Type),
				)
				continue
			}
			ev.IsFinal = ev.Type == protocol.TypeFinal

			a.lastEvent.Store(time.Now().UnixNano())
			a.deliver(ev)
		}
	}()
}

// startWatchdog logs a warning when no backend event arrives within the
// configured timeout. Streaming ASR naturally has silent gaps, so this never
// terminates the session.
func (a *Adapter) startWatchdog() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.cfg.EventTimeout)
		defer ticker.Stop()

		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				if a.Mode() == ModeDegraded {
					return
				}
				last := time.Unix(0, a.lastEvent.Load())
				if idle := time.Since(last); idle > a.cfg.EventTimeout {
					a.logger.Warn("No backend event within timeout",
						slog.Duration("idle", idle),
						slog.Duration("timeout", a.cfg.EventTimeout),
					)
				}
			}
		}
	}()
}

// reconnect makes exactly one redial attempt after a mid-session connection
// drop. failed is the connection the caller observed the error on: when the
// send path and the read loop both report the same drop, the second caller
// finds a.conn already replaced and returns without touching the fresh
// connection. Redial failure degrades the session for its remainder rather
// than closing it.
func (a *Adapter) reconnect(failed *websocket.Conn, cause error) {
	a.reconnectMu.Lock()
	defer a.reconnectMu.Unlock()

	if a.Mode() == ModeDegraded {
		return
	}

	a.mu.Lock()
	if a.conn != failed {
		a.mu.Unlock()
		return
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()

	conn, err := a.dial()
	if err != nil {
		a.degrade(fmt.Errorf("reconnect after %v failed: %w", cause, err))
		return
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.reconnects.Add(1)
	a.lastEvent.Store(time.Now().UnixNano())
	a.startReadLoop(conn)

	a.logger.Info("Backend stream re-established",
		slog.String("target", a.url()),
	)
}

// degrade performs the one-way transition to degraded mode
func (a *Adapter) degrade(err error) {
	if !a.mode.CompareAndSwap(int32(ModeLive), int32(ModeDegraded)) {
		return
	}

	a.mu.Lock()
	a.lastErr = err
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()

	a.logger.Warn("Backend unavailable, entering degraded mode for the rest of the session",
		slog.String("error", err.Error()),
	)
}

// synthesizeFinal fabricates an empty low-confidence final event for a
// segment the engine never saw
func (a *Adapter) synthesizeFinal(segmentIndex int) {
	a.synthetic.Add(1)
	a.deliver(protocol.TranscriptionEvent{
		Type:         protocol.TypeFinal,
		SegmentIndex: segmentIndex,
		Text:         "",
		Confidence:   0,
		IsFinal:      true,
	})
}

// deliver pushes an event to the consumer unless the adapter is closing
func (a *Adapter) deliver(ev protocol.TranscriptionEvent) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}
