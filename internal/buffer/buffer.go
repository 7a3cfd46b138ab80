// Package buffer is the hand-off point between detection producers and the
// tracking cycle. It holds at most one unread batch per source: a newer
// batch from the same source overwrites the older one and is counted as a
// drop.
package buffer

import (
	"sort"
	"sync"

	"github.com/rasberry/tracking/internal/detection"
)

// Stats are cumulative counters since construction or the last Clear.
type Stats struct {
	Written     uint64 `json:"written"`     // batches accepted by Put
	Drained     uint64 `json:"drained"`     // batches returned by Drain
	Overwritten uint64 `json:"overwritten"` // unread batches replaced by a newer one
}

// Buffer is safe for concurrent Put from any number of producers and
// Drain from a single consumer.
type Buffer struct {
	mu    sync.Mutex
	slots map[string]detection.Batch
	stats Stats
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{slots: make(map[string]detection.Batch)}
}

// Put stores b in its source's slot. It reports whether an unread batch
// from the same source was replaced.
func (b *Buffer) Put(batch detection.Batch) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, replaced := b.slots[batch.Source]
	if replaced {
		b.stats.Overwritten++
	}
	b.slots[batch.Source] = batch
	b.stats.Written++
	return replaced
}

// Drain removes and returns every pending batch, ordered by source name.
// It returns nil when nothing is pending.
func (b *Buffer) Drain() []detection.Batch {
	b.mu.Lock()
	if len(b.slots) == 0 {
		b.mu.Unlock()
		return nil
	}
	out := make([]detection.Batch, 0, len(b.slots))
	for _, batch := range b.slots {
		out = append(out, batch)
	}
	clear(b.slots)
	b.stats.Drained += uint64(len(out))
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Clear discards pending batches and resets the counters.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.slots)
	b.stats = Stats{}
}

// Pending returns the number of sources with an unread batch.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
