// Package health measures how fast the tracking cycle actually runs.
package health

import (
	"sync"
	"time"

	"github.com/rasberry/tracking/internal/window"
)

// WindowSize is the number of cycle periods averaged.
const WindowSize = 30

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	TargetHz   float64   `json:"target_hz"`
	MeasuredHz float64   `json:"measured_hz"` // 0 until two cycles have completed
	Samples    int       `json:"samples"`
	WindowFull bool      `json:"window_full"`
	Cycles     uint64    `json:"cycles"`
	LastCycle  time.Time `json:"last_cycle"`
	Periods    []float64 `json:"periods_s"` // oldest first
}

// Monitor records cycle completion times. Safe for concurrent use: the
// scheduler records while HTTP and gRPC handlers read.
type Monitor struct {
	target float64

	mu      sync.Mutex
	periods *window.Window[float64]
	last    time.Time
	cycles  uint64
}

// NewMonitor returns a monitor for a cycle targeting targetHz.
func NewMonitor(targetHz float64) *Monitor {
	return &Monitor{target: targetHz, periods: window.New[float64](WindowSize)}
}

// Record marks a cycle completed at t. The first call only establishes a
// reference point. Non-increasing times are counted but contribute no
// period sample.
func (m *Monitor) Record(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycles++
	if !m.last.IsZero() {
		if d := t.Sub(m.last); d > 0 {
			m.periods.Push(d.Seconds())
		}
	}
	m.last = t
}

// Frequency returns 1/mean(period) in Hz, or 0 with no samples.
func (m *Monitor) Frequency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frequency()
}

func (m *Monitor) frequency() float64 {
	if m.periods.Len() == 0 {
		return 0
	}
	avg := m.periods.Average()
	if avg <= 0 {
		return 0
	}
	return 1 / avg
}

// Target returns the configured cycle rate.
func (m *Monitor) Target() float64 { return m.target }

// Snapshot returns the current measurements.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		TargetHz:   m.target,
		MeasuredHz: m.frequency(),
		Samples:    m.periods.Len(),
		WindowFull: m.periods.IsFull(),
		Cycles:     m.cycles,
		LastCycle:  m.last,
		Periods:    m.periods.Values(),
	}
}

// Reset forgets every sample and the cycle count.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods.Clear()
	m.last = time.Time{}
	m.cycles = 0
}
