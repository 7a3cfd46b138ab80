// Package publish delivers tracking outputs to external consumers over
// websocket and gRPC.
package publish

import (
	"sync"
	"sync/atomic"

	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/tracking"
)

// DefaultClientBuffer is the per-subscriber queue depth.
const DefaultClientBuffer = 16

// Fanout copies each published output to every subscriber's queue. A
// subscriber whose queue is full misses that output; Publish never blocks
// the tracking cycle.
type Fanout struct {
	name string

	mu     sync.RWMutex
	subs   map[uint64]chan tracking.Output
	nextID uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewFanout returns a fanout; name prefixes its log lines.
func NewFanout(name string) *Fanout {
	return &Fanout{name: name, subs: make(map[uint64]chan tracking.Output)}
}

// Subscribe registers a queue of the given depth. The returned cancel
// function unregisters it and closes the channel; it is safe to call more
// than once.
func (f *Fanout) Subscribe(depth int) (<-chan tracking.Output, func()) {
	if depth <= 0 {
		depth = DefaultClientBuffer
	}
	ch := make(chan tracking.Output, depth)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	n := len(f.subs)
	f.mu.Unlock()
	monitoring.Diagf("[%s] client %d subscribed (%d connected)", f.name, id, n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			n := len(f.subs)
			f.mu.Unlock()
			close(ch)
			monitoring.Diagf("[%s] client %d unsubscribed (%d connected)", f.name, id, n)
		})
	}
}

// Publish implements tracking.Sink.
func (f *Fanout) Publish(out tracking.Output) {
	f.published.Add(1)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, ch := range f.subs {
		select {
		case ch <- out:
		default:
			n := f.dropped.Add(1)
			monitoring.Opsf("[%s] client %d queue full, dropped cycle %d (total dropped: %d)", f.name, id, out.Cycle, n)
		}
	}
}

// Clients returns the number of subscribers.
func (f *Fanout) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Published returns the number of outputs offered to subscribers.
func (f *Fanout) Published() uint64 { return f.published.Load() }

// Dropped returns the number of per-subscriber deliveries skipped because
// a queue was full.
func (f *Fanout) Dropped() uint64 { return f.dropped.Load() }
