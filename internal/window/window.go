// Package window provides a fixed-capacity sliding window over numeric
// samples. It backs the tracker's achieved-frequency estimate.
package window

import "golang.org/x/exp/constraints"

// Number is the set of element types a Window can average.
type Number interface {
	constraints.Integer | constraints.Float
}

// Window is a FIFO of at most Capacity samples. Pushing onto a full
// window evicts the oldest sample. The zero value is not usable; call New.
//
// Window is not safe for concurrent use.
type Window[T Number] struct {
	buf  []T
	head int // index of the oldest sample
	size int
}

// New returns an empty window holding at most capacity samples.
// capacity must be positive.
func New[T Number](capacity int) *Window[T] {
	if capacity <= 0 {
		panic("window: capacity must be positive")
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest sample first when the window is full.
func (w *Window[T]) Push(v T) {
	if w.size == len(w.buf) {
		w.buf[w.head] = v
		w.head = (w.head + 1) % len(w.buf)
		return
	}
	w.buf[(w.head+w.size)%len(w.buf)] = v
	w.size++
}

// Average returns the arithmetic mean of the held samples.
// The window must not be empty; callers check Len first.
func (w *Window[T]) Average() T {
	var sum T
	for i := 0; i < w.size; i++ {
		sum += w.buf[(w.head+i)%len(w.buf)]
	}
	return sum / T(w.size)
}

// IsFull reports whether the window holds Capacity samples.
func (w *Window[T]) IsFull() bool { return w.size == len(w.buf) }

// Len returns the number of held samples.
func (w *Window[T]) Len() int { return w.size }

// Capacity returns the maximum number of samples.
func (w *Window[T]) Capacity() int { return len(w.buf) }

// Values returns a copy of the held samples, oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, w.size)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Clear drops all samples.
func (w *Window[T]) Clear() {
	w.head = 0
	w.size = 0
}
