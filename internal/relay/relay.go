package relay

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/skypro1111/asr-ws-bridge/internal/protocol"
)

// Relay collects per-segment transcription results for one session and
// assembles the final transcript. Partial events pass through untouched;
// final events are recorded once per segment index, with later duplicates
// dropped so a backend retry cannot double text.
type Relay struct {
	mu      sync.Mutex
	finals  map[int]string
	skipped map[int]bool
	maxIdx  int
	logger  *slog.Logger
}

// New creates an empty result relay
func New(logger *slog.Logger) *Relay {
	return &Relay{
		finals:  make(map[int]string),
		skipped: make(map[int]bool),
		maxIdx:  -1,
		logger:  logger,
	}
}

// Observe records ev and reports whether it should be forwarded to the
// client. Partials always forward. The first final for a segment index
// forwards; duplicates are suppressed.
func (r *Relay) Observe(ev protocol.TranscriptionEvent) bool {
	if !ev.IsFinal {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.finals[ev.SegmentIndex]; exists {
		r.logger.Debug("Dropping duplicate final result",
			slog.Int("segment_index", ev.SegmentIndex),
		)
		return false
	}

	r.finals[ev.SegmentIndex] = ev.Text
	if ev.SegmentIndex > r.maxIdx {
		r.maxIdx = ev.SegmentIndex
	}
	return true
}

// MarkSkipped records that a segment will never produce a result, so
// finalization does not wait on it. Used for segments dropped under
// backpressure.
func (r *Relay) MarkSkipped(segmentIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.skipped[segmentIndex] = true
	if segmentIndex > r.maxIdx {
		r.maxIdx = segmentIndex
	}
}

// HasFinal reports whether every segment up to and including target either
// has a final result or is marked skipped. A negative target is trivially
// satisfied.
func (r *Relay) HasFinal(target int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i <= target; i++ {
		if _, ok := r.finals[i]; ok {
			continue
		}
		if !r.skipped[i] {
			return false
		}
	}
	return true
}

// FinalCount returns the number of segments with a recorded final result
func (r *Relay) FinalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finals)
}

// Transcript concatenates the recorded final texts in segment order,
// separated by single spaces. Missing indices (dropped segments, results
// that never arrived) and empty texts are skipped rather than padded, so a
// gap never produces stray whitespace.
func (r *Relay) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	parts := make([]string, 0, len(r.finals))
	for i := 0; i <= r.maxIdx; i++ {
		text, ok := r.finals[i]
		if !ok || text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}
