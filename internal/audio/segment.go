package audio

import (
	"sync"
	"time"
)

// Segment is a bounded, sealed span of audio samples sent to the ASR backend
// as one streaming unit. Invariant: len(Samples) never exceeds the
// accumulator's sample cap.
type Segment struct {
	Index      int
	Samples    []int16
	SampleRate int
	StartTime  time.Time
	EndTime    time.Time
}

// Duration returns the audio duration covered by the segment's samples
func (s *Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(s.Samples)) / float64(s.SampleRate) * float64(time.Second))
}

// Bytes returns the segment samples as raw little-endian PCM16
func (s *Segment) Bytes() []byte {
	return EncodePCM16(s.Samples)
}

// Accumulator assembles validated frame samples into bounded segments and
// feeds them to the backend adapter through a bounded queue. The queue is the
// only synchronization point between the client read loop and the backend
// send loop. When the queue is full the oldest queued segment is dropped:
// real-time freshness wins over completeness.
type Accumulator struct {
	maxSamples int
	sampleRate int

	mu           sync.Mutex
	current      []int16
	currentStart time.Time
	nextIndex    int
	lastSealed   int
	sealedCount  uint64
	droppedCount uint64
	closed       bool

	queue  chan *Segment
	onDrop func(segmentIndex int)
}

// AccumulatorStats is a snapshot of accumulator counters for monitoring
type AccumulatorStats struct {
	SegmentsSealed  uint64 `json:"segments_sealed"`
	SegmentsDropped uint64 `json:"segments_dropped"`
	PendingSamples  int    `json:"pending_samples"`
	QueueDepth      int    `json:"queue_depth"`
}

// NewAccumulator creates a segment accumulator. maxSamples caps every
// segment (the bound exists to keep backend GPU memory in check), queueSize
// bounds the adapter hand-off queue, and onDrop is invoked with the index of
// any segment discarded under backpressure.
func NewAccumulator(maxSamples, sampleRate, queueSize int, onDrop func(segmentIndex int)) *Accumulator {
	return &Accumulator{
		maxSamples: maxSamples,
		sampleRate: sampleRate,
		current:    make([]int16, 0, maxSamples),
		lastSealed: -1,
		queue:      make(chan *Segment, queueSize),
		onDrop:     onDrop,
	}
}

// Append adds validated frame samples to the current segment, sealing and
// enqueueing segments whenever the sample cap is reached. The cap is a forced
// boundary applied even mid-utterance.
func (a *Accumulator) Append(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if len(a.current) == 0 && len(samples) > 0 {
		a.currentStart = time.Now()
	}

	for len(samples) > 0 {
		room := a.maxSamples - len(a.current)
		take := len(samples)
		if take > room {
			take = room
		}
		a.current = append(a.current, samples[:take]...)
		samples = samples[take:]

		if len(a.current) == a.maxSamples {
			a.sealLocked()
			if len(samples) > 0 {
				a.currentStart = time.Now()
			}
		}
	}
}

// Flush seals whatever samples are pending as a final, possibly short,
// segment. It returns the sealed segment's index, or -1 if no audio was
// pending.
func (a *Accumulator) Flush() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || len(a.current) == 0 {
		return -1
	}

	return a.sealLocked()
}

// sealLocked finalizes the current segment and enqueues it. Caller holds the
// lock.
func (a *Accumulator) sealLocked() int {
	seg := &Segment{
		Index:      a.nextIndex,
		Samples:    a.current,
		SampleRate: a.sampleRate,
		StartTime:  a.currentStart,
		EndTime:    time.Now(),
	}

	a.nextIndex++
	a.lastSealed = seg.Index
	a.sealedCount++
	a.current = make([]int16, 0, a.maxSamples)

	a.enqueueLocked(seg)
	return seg.Index
}

// enqueueLocked pushes a sealed segment, evicting the oldest queued segment
// if the queue is saturated.
func (a *Accumulator) enqueueLocked(seg *Segment) {
	for {
		select {
		case a.queue <- seg:
			return
		default:
		}

		select {
		case old := <-a.queue:
			a.droppedCount++
			if a.onDrop != nil {
				a.onDrop(old.Index)
			}
		default:
		}
	}
}

// Segments returns the channel of sealed segments consumed by the backend
// send loop. The channel is closed by Close.
func (a *Accumulator) Segments() <-chan *Segment {
	return a.queue
}

// LastSealedIndex returns the index of the most recently sealed segment, or
// -1 if nothing has been sealed yet.
func (a *Accumulator) LastSealedIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSealed
}

// SealedCount returns the number of segments sealed so far
func (a *Accumulator) SealedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealedCount
}

// DroppedCount returns the number of segments discarded under backpressure
func (a *Accumulator) DroppedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.droppedCount
}

// Stats returns a snapshot of accumulator counters
func (a *Accumulator) Stats() AccumulatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AccumulatorStats{
		SegmentsSealed:  a.sealedCount,
		SegmentsDropped: a.droppedCount,
		PendingSamples:  len(a.current),
		QueueDepth:      len(a.queue),
	}
}

// Close closes the segment queue, ending the backend send loop. No further
// Append or Flush calls are accepted afterwards.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	close(a.queue)
}
