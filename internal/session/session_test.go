package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/asr-ws-bridge/internal/audio"
	"github.com/skypro1111/asr-ws-bridge/internal/config"
	"github.com/skypro1111/asr-ws-bridge/internal/metrics"
	"github.com/skypro1111/asr-ws-bridge/internal/protocol"
)

// promauto registers on the default registry; one instance per test binary
var testMetrics = metrics.NewMetrics()

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(backendHost string, backendPort int) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			BindAddress:     "127.0.0.1",
			Port:            8765,
			MaxConnections:  4,
			PingInterval:    30,
			MaxMessageBytes: 1 << 20,
		},
		Audio: config.AudioConfig{
			SampleRate:         16000,
			Channels:           1,
			FrameMs:            20,
			MaxSegmentDuration: 0.1, // 1600 samples, 5 frames per segment
			AllowedSampleRates: []int{16000, 44100, 48000},
			SegmentQueueSize:   4,
			SessionIdleTimeout: 300,
		},
		Backend: config.BackendConfig{
			Host:               backendHost,
			Port:               backendPort,
			ConnectTimeout:     1,
			MaxConnectAttempts: 1,
			ReconnectBackoff:   1,
			EventTimeout:       5,
			FinalizeTimeout:    3,
			CloseGrace:         1,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
}

// stubEngine answers every audio segment with a final event whose text is
// "w<index>".
func stubEngine(t *testing.T) (host string, port int, stop func()) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		segIndex := -1
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if msgType == websocket.TextMessage {
				var msg struct {
					Type         string `json:"type"`
					SegmentIndex int    `json:"segment_index"`
				}
				if json.Unmarshal(data, &msg) != nil {
					continue
				}
				switch msg.Type {
				case "stop":
					return
				case "segment":
					segIndex = msg.SegmentIndex
				}
				continue
			}

			conn.WriteJSON(protocol.TranscriptionEvent{
				Type:         protocol.TypeFinal,
				SegmentIndex: segIndex,
				Text:         fmt.Sprintf("w%d", segIndex),
				Confidence:   0.95,
			})
		}
	}))

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port, srv.Close
}

// dialSession runs a session server and returns a connected client
func dialSession(t *testing.T, cfg *config.Config) (*websocket.Conn, func()) {
	t.Helper()
	client, _, cleanup := dialObserved(t, cfg)
	return client, cleanup
}

// dialObserved is dialSession plus a handle on the server-side session
func dialObserved(t *testing.T, cfg *config.Config) (*websocket.Conn, *Session, func()) {
	t.Helper()

	sessions := make(chan *Session, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New(conn, cfg, testLogger, testMetrics, func(string) {})
		sessions <- sess
		sess.Run()
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial failed: %v", err)
	}

	return client, <-sessions, func() {
		client.Close()
		srv.Close()
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]interface{}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

// readUntil consumes events until one of the wanted type arrives, returning
// it and everything read before it.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) (map[string]interface{}, []map[string]interface{}) {
	t.Helper()

	var seen []map[string]interface{}
	for i := 0; i < 50; i++ {
		ev := readEvent(t, conn)
		if ev["type"] == eventType {
			return ev, seen
		}
		seen = append(seen, ev)
	}
	t.Fatalf("no %s event within 50 messages", eventType)
	return nil, nil
}

func startRecording(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	err := conn.WriteJSON(map[string]interface{}{
		"type": "start_recording",
		"config": map[string]interface{}{
			"sample_rate": 16000,
			"channels":    1,
			"encoding":    "pcm16",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ev := readEvent(t, conn)
	if ev["type"] != protocol.TypeRecordingStarted {
		t.Fatalf("after start_recording got %v, want recording_started", ev["type"])
	}
}

// frame is one valid 20 ms silent frame at 16 kHz
func frame() []byte {
	return make([]byte, 640)
}

func TestSessionGreeting(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	ev := readEvent(t, client)
	if ev["type"] != protocol.TypeConnected {
		t.Fatalf("greeting type = %v, want connected", ev["type"])
	}
	if id, _ := ev["connection_id"].(string); id == "" {
		t.Error("greeting missing connection_id")
	}

	cfg, _ := ev["config"].(map[string]interface{})
	if cfg == nil || cfg["sample_rate"] != float64(16000) {
		t.Errorf("greeting config = %v, want sample_rate 16000", cfg)
	}
}

func TestSessionPingPong(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client) // greeting

	client.WriteJSON(map[string]string{"type": "ping"})
	ev := readEvent(t, client)
	if ev["type"] != protocol.TypePong {
		t.Fatalf("got %v, want pong", ev["type"])
	}
}

func TestSessionFullTranscription(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client) // greeting
	startRecording(t, client)

	// 7 frames = 2240 samples: one forced 1600-sample segment plus a
	// flushed 640-sample tail
	for i := 0; i < 7; i++ {
		if err := client.WriteMessage(websocket.BinaryMessage, frame()); err != nil {
			t.Fatal(err)
		}
	}
	client.WriteJSON(map[string]string{"type": "stop_recording"})

	transcript, before := readUntil(t, client, protocol.TypeFinalTranscript)

	if got := transcript["text"]; got != "w0 w1" {
		t.Errorf("transcript text = %v, want %q", got, "w0 w1")
	}
	if got := transcript["total_segments"]; got != float64(2) {
		t.Errorf("total_segments = %v, want 2", got)
	}
	if got, _ := transcript["total_duration"].(float64); got < 0.139 || got > 0.141 {
		t.Errorf("total_duration = %v, want 0.14", got)
	}

	// Both per-segment finals were relayed before the transcript
	finals := 0
	for _, ev := range before {
		if ev["type"] == protocol.TypeFinal {
			finals++
		}
	}
	if finals != 2 {
		t.Errorf("relayed %d final events before transcript, want 2", finals)
	}
}

func TestSessionStopWithoutAudio(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	client.WriteJSON(map[string]string{"type": "stop_recording"})

	transcript, _ := readUntil(t, client, protocol.TypeFinalTranscript)
	if got := transcript["text"]; got != "" {
		t.Errorf("transcript text = %v, want empty", got)
	}
	if got := transcript["total_segments"]; got != float64(0) {
		t.Errorf("total_segments = %v, want 0", got)
	}
}

func TestSessionRejectsInvalidFrame(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	// Wrong length
	client.WriteMessage(websocket.BinaryMessage, make([]byte, 100))

	ev := readEvent(t, client)
	if ev["type"] != protocol.TypeError || ev["code"] != protocol.CodeValidationError {
		t.Fatalf("got %v, want validation_error", ev)
	}

	// The session survives: a valid stop still finalizes
	client.WriteJSON(map[string]string{"type": "stop_recording"})
	readUntil(t, client, protocol.TypeFinalTranscript)
}

func TestSessionExposesAudioLevels(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, sess, cleanup := dialObserved(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	// Constant half-scale signal: peak and RMS both exactly 0.5
	loud := make([]int16, 320)
	for i := range loud {
		loud[i] = 16384
	}
	client.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(loud))

	deadline := time.Now().Add(2 * time.Second)
	var info Info
	for {
		info = sess.Snapshot()
		if info.FramesReceived >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if info.LastPeak != 0.5 {
		t.Errorf("LastPeak = %f, want 0.5", info.LastPeak)
	}
	if info.LastRMS != 0.5 {
		t.Errorf("LastRMS = %f, want 0.5", info.LastRMS)
	}
}

func TestSessionInvalidFrameMetricBounded(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	// Distinct malformed lengths must all land in one labelled series
	for _, size := range []int{10, 20, 30, 100, 200} {
		client.WriteMessage(websocket.BinaryMessage, make([]byte, size))
		ev := readEvent(t, client)
		if ev["code"] != protocol.CodeValidationError {
			t.Fatalf("size %d: code = %v, want validation_error", size, ev["code"])
		}
	}

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "asr_bridge_frames_invalid_total" {
			continue
		}
		if n := len(mf.GetMetric()); n != 1 {
			t.Fatalf("frames_invalid has %d series, want 1 bounded category", n)
		}
		return
	}
	t.Fatal("asr_bridge_frames_invalid_total not found in registry")
}

func TestSessionSegmentDropEventCarriesCode(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, sess, cleanup := dialObserved(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	sess.onSegmentDrop(3)

	ev := readEvent(t, client)
	if ev["type"] != protocol.TypeSegmentDropped {
		t.Fatalf("got %v, want segment_dropped", ev["type"])
	}
	if ev["code"] != protocol.CodeBackpressure {
		t.Errorf("code = %v, want %q", ev["code"], protocol.CodeBackpressure)
	}
	if ev["segment_index"] != float64(3) {
		t.Errorf("segment_index = %v, want 3", ev["segment_index"])
	}
}

func TestSessionUnknownControlWhileStreaming(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	// Unrecognized control types mid-recording warn instead of erroring
	client.WriteJSON(map[string]string{"type": "rewind"})
	ev := readEvent(t, client)
	if ev["type"] != protocol.TypeWarning {
		t.Fatalf("got %v, want warning", ev["type"])
	}
	if msg, _ := ev["message"].(string); !strings.Contains(msg, "rewind") {
		t.Errorf("warning message = %q, want it to name the unknown type", msg)
	}

	// The stream is unaffected: audio and stop still work
	client.WriteMessage(websocket.BinaryMessage, frame())
	client.WriteJSON(map[string]string{"type": "stop_recording"})
	readUntil(t, client, protocol.TypeFinalTranscript)
}

func TestSessionProtocolErrors(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)

	// Audio before start_recording
	client.WriteMessage(websocket.BinaryMessage, frame())
	ev := readEvent(t, client)
	if ev["code"] != protocol.CodeProtocolError {
		t.Errorf("frame before start: code = %v, want protocol_error", ev["code"])
	}

	// Stop before start
	client.WriteJSON(map[string]string{"type": "stop_recording"})
	ev = readEvent(t, client)
	if ev["code"] != protocol.CodeProtocolError {
		t.Errorf("stop before start: code = %v, want protocol_error", ev["code"])
	}

	// Unknown control type
	client.WriteJSON(map[string]string{"type": "rewind"})
	ev = readEvent(t, client)
	if ev["code"] != protocol.CodeProtocolError {
		t.Errorf("unknown control: code = %v, want protocol_error", ev["code"])
	}
}

func TestSessionRejectsBadStreamConfig(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)

	client.WriteJSON(map[string]interface{}{
		"type": "start_recording",
		"config": map[string]interface{}{
			"sample_rate": 8000,
			"channels":    1,
			"encoding":    "pcm16",
		},
	})

	ev := readEvent(t, client)
	if ev["type"] != protocol.TypeError || ev["code"] != protocol.CodeValidationError {
		t.Fatalf("got %v, want validation_error", ev)
	}

	// Still in init: a valid start works afterwards
	startRecording(t, client)
}

func TestSessionSecondStartRejected(t *testing.T) {
	host, port, stop := stubEngine(t)
	defer stop()
	client, cleanup := dialSession(t, testConfig(host, port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	// Buffer some audio, then try to start again
	for i := 0; i < 3; i++ {
		client.WriteMessage(websocket.BinaryMessage, frame())
	}
	client.WriteJSON(map[string]interface{}{
		"type":   "start_recording",
		"config": map[string]interface{}{"sample_rate": 16000, "channels": 1, "encoding": "pcm16"},
	})

	ev := readEvent(t, client)
	if ev["code"] != protocol.CodeProtocolError {
		t.Fatalf("second start: code = %v, want protocol_error", ev["code"])
	}

	// Buffered audio was not reset: two more frames complete segment 0
	for i := 0; i < 4; i++ {
		client.WriteMessage(websocket.BinaryMessage, frame())
	}
	client.WriteJSON(map[string]string{"type": "stop_recording"})

	transcript, _ := readUntil(t, client, protocol.TypeFinalTranscript)
	if got := transcript["total_segments"]; got != float64(2) {
		t.Errorf("total_segments = %v, want 2 (audio was reset?)", got)
	}
}

func TestSessionDoubleStopWarns(t *testing.T) {
	// An engine that accepts the stream but never answers, so the session
	// stays in finalizing until the timeout
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := testConfig(host, port)
	cfg.Backend.FinalizeTimeout = 2
	client, cleanup := dialSession(t, cfg)
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	for i := 0; i < 5; i++ {
		client.WriteMessage(websocket.BinaryMessage, frame())
	}
	client.WriteJSON(map[string]string{"type": "stop_recording"})
	client.WriteJSON(map[string]string{"type": "stop_recording"})

	_, before := readUntil(t, client, protocol.TypeFinalTranscript)

	sawWarning := false
	for _, ev := range before {
		if ev["type"] == protocol.TypeWarning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Error("second stop_recording produced no warning event")
	}
}

func TestSessionDegradedMode(t *testing.T) {
	// Backend port with no listener
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	l.Close()

	client, cleanup := dialSession(t, testConfig("127.0.0.1", port))
	defer cleanup()

	readEvent(t, client)
	startRecording(t, client)

	for i := 0; i < 5; i++ {
		client.WriteMessage(websocket.BinaryMessage, frame())
	}
	client.WriteJSON(map[string]string{"type": "stop_recording"})

	transcript, before := readUntil(t, client, protocol.TypeFinalTranscript)

	if got := transcript["text"]; got != "" {
		t.Errorf("degraded transcript = %v, want empty", got)
	}
	if got := transcript["total_segments"]; got != float64(1) {
		t.Errorf("total_segments = %v, want 1", got)
	}

	sawUnavailable := false
	sawSyntheticFinal := false
	for _, ev := range before {
		if ev["code"] == protocol.CodeBackendUnavailable {
			sawUnavailable = true
		}
		if ev["type"] == protocol.TypeFinal && ev["text"] == "" {
			sawSyntheticFinal = true
		}
	}
	if !sawUnavailable {
		t.Error("client was not told the backend is unavailable")
	}
	if !sawSyntheticFinal {
		t.Error("no synthetic empty final was relayed")
	}
}
