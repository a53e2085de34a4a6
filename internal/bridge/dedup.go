package bridge

import "crypto/md5"

// Dedup defaults. Eviction removes a whole batch of the oldest hashes so
// the map does not churn on every insert once full.
const (
	dedupMaxSize    = 100
	dedupEvictCount = 20
)

// Deduplicator suppresses byte-identical outbound audio chunks. It is
// owned by the outbound pump of one session and is not safe for
// concurrent use. Memory is bounded: once the tracked set exceeds the
// maximum, the oldest entries are evicted in insertion order.
type Deduplicator struct {
	maxSize    int
	evictCount int
	seen       map[[md5.Size]byte]struct{}
	order      [][md5.Size]byte
}

// NewDeduplicator returns a Deduplicator with the default capacity.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		maxSize:    dedupMaxSize,
		evictCount: dedupEvictCount,
		seen:       make(map[[md5.Size]byte]struct{}),
	}
}

// ShouldSend reports whether chunk is new since the last Clear. Empty
// chunks are never sendable. A true result records the chunk's hash, so
// an exact repeat returns false until Clear.
func (d *Deduplicator) ShouldSend(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	h := md5.Sum(chunk)
	if _, dup := d.seen[h]; dup {
		return false
	}
	d.seen[h] = struct{}{}
	d.order = append(d.order, h)
	if len(d.seen) > d.maxSize {
		d.evict()
	}
	return true
}

func (d *Deduplicator) evict() {
	n := d.evictCount
	if n > len(d.order) {
		n = len(d.order)
	}
	for _, h := range d.order[:n] {
		delete(d.seen, h)
	}
	d.order = append(d.order[:0], d.order[n:]...)
}

// Clear drops all tracked hashes. Called on turn-complete and on
// interruption so chunks from a finished turn are not mistaken for
// duplicates in the next one.
func (d *Deduplicator) Clear() {
	clear(d.seen)
	d.order = d.order[:0]
}

// Len reports the number of tracked hashes.
func (d *Deduplicator) Len() int { return len(d.seen) }
