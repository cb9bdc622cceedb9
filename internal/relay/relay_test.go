package relay

import (
	"io"
	"log/slog"
	"testing"

	"github.com/skypro1111/asr-ws-bridge/internal/protocol"
)

func newTestRelay() *Relay {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func final(idx int, text string) protocol.TranscriptionEvent {
	return protocol.TranscriptionEvent{
		Type:         protocol.TypeFinal,
		SegmentIndex: idx,
		Text:         text,
		IsFinal:      true,
	}
}

func partial(idx int, text string) protocol.TranscriptionEvent {
	return protocol.TranscriptionEvent{
		Type:         protocol.TypePartial,
		SegmentIndex: idx,
		Text:         text,
	}
}

func TestObservePartialsAlwaysForward(t *testing.T) {
	r := newTestRelay()

	for i := 0; i < 3; i++ {
		if !r.Observe(partial(0, "hel")) {
			t.Fatal("partial suppressed")
		}
	}
}

func TestObserveDeduplicatesFinals(t *testing.T) {
	r := newTestRelay()

	if !r.Observe(final(0, "hello")) {
		t.Fatal("first final suppressed")
	}
	if r.Observe(final(0, "hello again")) {
		t.Fatal("duplicate final forwarded")
	}

	// First text wins
	if got := r.Transcript(); got != "hello" {
		t.Errorf("Transcript() = %q, want %q", got, "hello")
	}
	if r.FinalCount() != 1 {
		t.Errorf("FinalCount() = %d, want 1", r.FinalCount())
	}
}

func TestTranscriptOrdersByIndex(t *testing.T) {
	r := newTestRelay()

	// Out-of-order arrival
	r.Observe(final(2, "world"))
	r.Observe(final(0, "hello"))
	r.Observe(final(1, "there"))

	if got := r.Transcript(); got != "hello there world" {
		t.Errorf("Transcript() = %q, want %q", got, "hello there world")
	}
}

func TestTranscriptSkipsGaps(t *testing.T) {
	r := newTestRelay()

	// Segment 1 was dropped under backpressure and never got a result;
	// segment 2's final is empty.
	r.Observe(final(0, "one"))
	r.Observe(final(2, ""))
	r.Observe(final(3, "four"))

	if got := r.Transcript(); got != "one four" {
		t.Errorf("Transcript() = %q, want %q", got, "one four")
	}
}

func TestTranscriptEmpty(t *testing.T) {
	r := newTestRelay()
	if got := r.Transcript(); got != "" {
		t.Errorf("Transcript() = %q, want empty", got)
	}
}

func TestHasFinal(t *testing.T) {
	r := newTestRelay()

	if !r.HasFinal(-1) {
		t.Error("HasFinal(-1) should be trivially true")
	}
	if r.HasFinal(0) {
		t.Error("HasFinal(0) true with no results")
	}

	r.Observe(final(0, "a"))
	r.Observe(final(2, "c"))

	if !r.HasFinal(0) {
		t.Error("HasFinal(0) false after final 0")
	}
	if r.HasFinal(2) {
		t.Error("HasFinal(2) true with segment 1 missing")
	}

	r.Observe(final(1, "b"))
	if !r.HasFinal(2) {
		t.Error("HasFinal(2) false with all finals present")
	}
}

func TestHasFinalSkippedSegments(t *testing.T) {
	r := newTestRelay()

	// Segment 1 dropped under backpressure; finalization must not wait on it
	r.Observe(final(0, "a"))
	r.MarkSkipped(1)
	r.Observe(final(2, "c"))

	if !r.HasFinal(2) {
		t.Error("HasFinal(2) false with segment 1 skipped")
	}
	if got := r.Transcript(); got != "a c" {
		t.Errorf("Transcript() = %q, want %q", got, "a c")
	}
}
