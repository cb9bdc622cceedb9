package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType reports a well-formed control message whose type is not
// recognized. Callers distinguish it from malformed JSON to decide between
// a warning and a protocol error.
var ErrUnknownType = errors.New("unknown control message type")

// Client → server control message types
const (
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypePing           = "ping"
)

// Server → client event types
const (
	TypeConnected        = "connected"
	TypeRecordingStarted = "recording_started"
	TypePartial          = "partial"
	TypeFinal            = "final"
	TypeSegmentDropped   = "segment_dropped"
	TypeFinalTranscript  = "final_transcript"
	TypeError            = "error"
	TypeWarning          = "warning"
	TypePong             = "pong"
)

// Error codes carried by error and diagnostic events. Only transport loss
// terminates a session; every other condition is surfaced as one of these
// and the session continues.
const (
	CodeValidationError    = "validation_error"
	CodeBackpressure       = "backpressure"
	CodeBackendUnavailable = "backend_unavailable"
	CodeBackendTimeout     = "backend_timeout"
	CodeProtocolError      = "protocol_error"
)

// EncodingPCM16 is the only supported audio encoding: raw little-endian
// 16-bit PCM.
const EncodingPCM16 = "pcm16"

// StreamConfig is the audio configuration negotiated by start_recording
type StreamConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// ControlMessage represents a JSON control message from the client
type ControlMessage struct {
	Type   string        `json:"type"`
	Config *StreamConfig `json:"config,omitempty"`
}

// ConnectedEvent is the greeting sent immediately after the WebSocket upgrade
type ConnectedEvent struct {
	Type         string     `json:"type"`
	ConnectionID string     `json:"connection_id"`
	Config       ServerInfo `json:"config"`
}

// ServerInfo advertises the server's default audio parameters to the client
type ServerInfo struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	FrameMs    int `json:"frame_ms"`
}

// RecordingStartedEvent acknowledges a successful start_recording
type RecordingStartedEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptionEvent is a partial or final recognition result for one
// segment. It is produced by the backend adapter and relayed to the client.
// For a given segment index at most one final event is delivered, and it
// terminates that segment's event stream.
type TranscriptionEvent struct {
	Type         string  `json:"type"`
	SegmentIndex int     `json:"segment_index"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence,omitempty"`
	IsFinal      bool    `json:"is_final"`
}

// SegmentDroppedEvent is the backpressure diagnostic emitted when a queued
// segment is discarded in favor of fresher audio. Code is always
// CodeBackpressure.
type SegmentDroppedEvent struct {
	Type         string `json:"type"`
	Code         string `json:"code"`
	SegmentIndex int    `json:"segment_index"`
}

// FinalTranscriptEvent carries the ordered concatenation of all final
// segment texts, sent once the session finalizes
type FinalTranscriptEvent struct {
	Type          string  `json:"type"`
	Text          string  `json:"text"`
	TotalSegments int     `json:"total_segments"`
	TotalDuration float64 `json:"total_duration"`
}

// ErrorEvent reports a recoverable error to the client
type ErrorEvent struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// WarningEvent reports a non-fatal condition to the client
type WarningEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongEvent answers a client ping
type PongEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ParseControl decodes a client control message and checks its type
func ParseControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON control message: %w", err)
	}

	switch msg.Type {
	case TypeStartRecording, TypeStopRecording, TypePing:
		return &msg, nil
	case "":
		return nil, fmt.Errorf("control message missing type field")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// Validate checks the negotiated stream configuration against the server's
// allow-list of sample rates.
func (c *StreamConfig) Validate(allowedRates []int) error {
	if c == nil {
		return fmt.Errorf("start_recording requires a config object")
	}

	if c.Encoding != EncodingPCM16 {
		return fmt.Errorf("unsupported encoding %q (only %q is supported)", c.Encoding, EncodingPCM16)
	}

	allowed := false
	for _, r := range allowedRates {
		if r == c.SampleRate {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("sample_rate %d is not supported (allowed: %v)", c.SampleRate, allowedRates)
	}

	if c.Channels != 1 {
		return fmt.Errorf("unsupported channel count %d (only mono is supported)", c.Channels)
	}

	return nil
}

// FrameBytes returns the expected byte length of one PCM16 audio frame:
// frame_ms/1000 * sample_rate * channels * 2.
func FrameBytes(frameMs, sampleRate, channels int) int {
	return frameMs * sampleRate * channels * 2 / 1000
}
