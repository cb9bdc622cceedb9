package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/skypro1111/asr-ws-bridge/internal/protocol"
)

// FrameConfig is the negotiated per-session framing contract
type FrameConfig struct {
	SampleRate int
	Channels   int
	FrameMs    int
}

// Bounded rejection categories for metrics. Reason carries the human-readable
// detail; Code is safe to use as a label value.
const (
	RejectBadLength = "bad_length"
)

// FrameResult is the outcome of validating one binary audio frame.
// Peak and RMS are normalized to [0, 1] and computed only for valid frames;
// they feed client-side level metering and diagnostics, not ASR decisions.
type FrameResult struct {
	Valid   bool
	Code    string
	Reason  string
	Peak    float64
	RMS     float64
	Samples []int16
}

// ExpectedFrameBytes returns the byte length every frame must have under cfg
func (c FrameConfig) ExpectedFrameBytes() int {
	return protocol.FrameBytes(c.FrameMs, c.SampleRate, c.Channels)
}

// ValidateFrame checks a raw PCM16 frame against the session's negotiated
// configuration and computes its signal metrics. Invalid frames are dropped
// by the caller and counted; a single malformed frame never terminates a
// session.
func ValidateFrame(data []byte, cfg FrameConfig) FrameResult {
	expected := cfg.ExpectedFrameBytes()
	if len(data) != expected {
		return FrameResult{
			Valid: false,
			Code:  RejectBadLength,
			Reason: fmt.Sprintf("frame length %d does not match expected %d bytes (%dms at %dHz, %dch)",
				len(data), expected, cfg.FrameMs, cfg.SampleRate, cfg.Channels),
		}
	}

	samples := DecodePCM16(data)

	var peak int32
	var sumSquares float64
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		sumSquares += float64(s) * float64(s)
	}

	rms := 0.0
	if len(samples) > 0 {
		rms = math.Sqrt(sumSquares/float64(len(samples))) / 32768.0
	}

	return FrameResult{
		Valid:   true,
		Peak:    float64(peak) / 32768.0,
		RMS:     rms,
		Samples: samples,
	}
}

// DecodePCM16 converts raw little-endian 16-bit PCM bytes to samples.
// Odd trailing bytes are not expected here; callers validate length first.
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// EncodePCM16 converts samples back to raw little-endian 16-bit PCM bytes
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
