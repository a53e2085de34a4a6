package audio_test

import (
	"testing"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

func TestBatcher_TargetBytes(t *testing.T) {
	b := audio.NewBatcher(24000, 200)
	// 24000 samples/s * 0.2s * 2 bytes = 9600
	if got := b.TargetBytes(); got != 9600 {
		t.Fatalf("target bytes: got %d, want 9600", got)
	}
}

func TestBatcher_EmitsExactTargetAndKeepsRemainder(t *testing.T) {
	b := audio.NewBatcher(8000, 10) // target 160 bytes
	if got := b.Add(make([]byte, 100)); got != nil {
		t.Fatalf("below target should return nil, got %d bytes", len(got))
	}
	batch := b.Add(make([]byte, 100))
	if len(batch) != 160 {
		t.Fatalf("batch size: got %d, want 160", len(batch))
	}
	// 40 bytes remain buffered.
	rest := b.Flush()
	if len(rest) != 40 {
		t.Fatalf("flush: got %d bytes, want 40", len(rest))
	}
	if b.Flush() != nil {
		t.Fatal("second flush should return nil")
	}
}

func TestBatcher_ByteConservation(t *testing.T) {
	b := audio.NewBatcher(24000, 200)
	sizes := []int{13, 4800, 9600, 1, 0, 7777, 320, 320, 320, 12345}
	total := 0
	emitted := 0
	for _, n := range sizes {
		total += n
		if batch := b.Add(make([]byte, n)); batch != nil {
			emitted += len(batch)
		}
	}
	emitted += len(b.Flush())
	if emitted != total {
		t.Fatalf("bytes not conserved: in %d, out %d", total, emitted)
	}
}

func TestBatcher_Stats(t *testing.T) {
	b := audio.NewBatcher(8000, 10)
	b.Add(make([]byte, 200))
	s := b.Stats()
	if s.ChunksReceived != 1 || s.BatchesEmitted != 1 || s.BytesBuffered != 40 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	b.Reset()
	if s := b.Stats(); s != (audio.BatcherStats{}) {
		t.Fatalf("stats not cleared by Reset: %+v", s)
	}
}

func TestAdaptiveBatcher_Tiers(t *testing.T) {
	a := audio.NewAdaptiveBatcher(24000, 150, 300, 200)
	if got := a.DurationMs(); got != 200 {
		t.Fatalf("initial duration: got %d, want 200", got)
	}

	// Fast responses drive the duration to the minimum.
	for range 10 {
		a.UpdateLatency(50)
	}
	if got := a.DurationMs(); got != 150 {
		t.Errorf("low-latency duration: got %d, want 150", got)
	}
	if got := a.TargetBytes(); got != 24000*150/1000*2 {
		t.Errorf("low-latency target: got %d, want %d", got, 24000*150/1000*2)
	}

	// Slow responses drive it to the maximum.
	for range 10 {
		a.UpdateLatency(500)
	}
	if got := a.DurationMs(); got != 300 {
		t.Errorf("high-latency duration: got %d, want 300", got)
	}

	// A mixed average inside the band falls back to the default.
	for range 10 {
		a.UpdateLatency(200)
	}
	if got := a.DurationMs(); got != 200 {
		t.Errorf("mid-latency duration: got %d, want 200", got)
	}
}

func TestAdaptiveBatcher_RetuneKeepsBufferedRemainder(t *testing.T) {
	a := audio.NewAdaptiveBatcher(24000, 150, 300, 200)
	a.Add(make([]byte, 5000))
	for range 10 {
		a.UpdateLatency(50)
	}
	// Remainder survives the duration change untouched.
	if got := len(a.Flush()); got != 5000 {
		t.Fatalf("buffered remainder after retune: got %d, want 5000", got)
	}
}
