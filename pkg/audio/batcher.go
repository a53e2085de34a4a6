package audio

// Batcher accumulates small transport frames into fixed-size byte
// batches for the model. Telephony media frames arrive as ~20ms slivers;
// the model performs better on 150-300ms chunks. A Batcher is owned by
// exactly one goroutine and needs no locking.
type Batcher struct {
	sampleRate  int
	durationMs  int
	targetBytes int
	buf         []byte

	stats BatcherStats
}

// BatcherStats counts traffic through a Batcher since creation or Reset.
type BatcherStats struct {
	ChunksReceived int
	BatchesEmitted int
	BytesBuffered  int
}

// NewBatcher returns a Batcher emitting batches of durationMs worth of
// 16-bit mono audio at sampleRate.
func NewBatcher(sampleRate, durationMs int) *Batcher {
	b := &Batcher{sampleRate: sampleRate, durationMs: durationMs}
	b.recomputeTarget()
	return b
}

func (b *Batcher) recomputeTarget() {
	// 2 bytes per 16-bit mono sample.
	b.targetBytes = b.sampleRate * b.durationMs / 1000 * 2
}

// Add appends chunk to the buffer. When the buffer reaches the target
// size, exactly targetBytes are sliced off and returned; any remainder
// stays buffered for the next call. Returns nil while below target.
func (b *Batcher) Add(chunk []byte) []byte {
	b.stats.ChunksReceived++
	b.buf = append(b.buf, chunk...)
	if len(b.buf) < b.targetBytes {
		b.stats.BytesBuffered = len(b.buf)
		return nil
	}
	batch := make([]byte, b.targetBytes)
	copy(batch, b.buf)
	remainder := len(b.buf) - b.targetBytes
	copy(b.buf, b.buf[b.targetBytes:])
	b.buf = b.buf[:remainder]
	b.stats.BatchesEmitted++
	b.stats.BytesBuffered = remainder
	return batch
}

// Flush drains and returns whatever is buffered, or nil when empty.
// Called at stream end so no trailing audio is silently dropped.
func (b *Batcher) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := b.buf
	b.buf = nil
	b.stats.BatchesEmitted++
	b.stats.BytesBuffered = 0
	return out
}

// Reset clears the buffer and all counters.
func (b *Batcher) Reset() {
	b.buf = nil
	b.stats = BatcherStats{}
}

// TargetBytes reports the current batch size in bytes.
func (b *Batcher) TargetBytes() int { return b.targetBytes }

// Stats returns a snapshot of the traffic counters.
func (b *Batcher) Stats() BatcherStats { return b.stats }

// AdaptiveBatcher adjusts its batch duration from observed response
// latency. Low latency means the link can afford smaller, more
// responsive chunks; high latency means larger chunks amortize better.
type AdaptiveBatcher struct {
	Batcher

	minDurationMs     int
	maxDurationMs     int
	defaultDurationMs int

	latencies []float64
}

const latencyHistorySize = 10

// Latency tier bounds in milliseconds.
const (
	latencyLowMs  = 100
	latencyHighMs = 300
)

// NewAdaptiveBatcher returns an AdaptiveBatcher starting at
// defaultDurationMs and moving between minDurationMs and maxDurationMs
// as latency samples arrive.
func NewAdaptiveBatcher(sampleRate, minDurationMs, maxDurationMs, defaultDurationMs int) *AdaptiveBatcher {
	a := &AdaptiveBatcher{
		minDurationMs:     minDurationMs,
		maxDurationMs:     maxDurationMs,
		defaultDurationMs: defaultDurationMs,
	}
	a.sampleRate = sampleRate
	a.durationMs = defaultDurationMs
	a.recomputeTarget()
	return a
}

// UpdateLatency records one end-to-end latency measurement in
// milliseconds and retunes the batch duration from the rolling average.
// A duration change only affects future batches; bytes already buffered
// are never resized.
func (a *AdaptiveBatcher) UpdateLatency(measuredMs float64) {
	a.latencies = append(a.latencies, measuredMs)
	if len(a.latencies) > latencyHistorySize {
		a.latencies = a.latencies[len(a.latencies)-latencyHistorySize:]
	}

	var sum float64
	for _, l := range a.latencies {
		sum += l
	}
	avg := sum / float64(len(a.latencies))

	next := a.defaultDurationMs
	switch {
	case avg < latencyLowMs:
		next = a.minDurationMs
	case avg > latencyHighMs:
		next = a.maxDurationMs
	}
	if next != a.durationMs {
		a.durationMs = next
		a.recomputeTarget()
	}
}

// DurationMs reports the current batch duration.
func (a *AdaptiveBatcher) DurationMs() int { return a.durationMs }
