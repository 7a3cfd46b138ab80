// Package tracking runs the periodic tracking cycle: drain the detection
// buffer, resolve detections into the target frame, drive the filter, and
// publish the resulting track set.
package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rasberry/tracking/internal/buffer"
	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/filter"
	"github.com/rasberry/tracking/internal/frames"
	"github.com/rasberry/tracking/internal/health"
	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/timeutil"
)

// resetQueue bounds the number of reset commands waiting for the loop.
// Resets are idempotent, so extra requests beyond this are dropped.
const resetQueue = 8

// Config holds the scheduler's collaborators.
type Config struct {
	Clock       timeutil.Clock     // optional; RealClock when nil
	Filter      filter.Filter      // required
	Buffer      *buffer.Buffer     // required
	Transformer frames.Transformer // required
	TargetFrame string             // required
	Frequency   float64            // cycles per second, required

	Sinks             []Sink
	PublishDetections bool

	// Health receives one sample per cycle; created when nil.
	Health *health.Monitor
	// ReportEvery logs measured vs target frequency on the diag stream
	// every N cycles. Defaults to roughly every ten seconds.
	ReportEvery int
}

// Status is the scheduler's health report.
type Status struct {
	health.Snapshot
	Filter      string       `json:"filter"`
	TargetFrame string       `json:"target_frame"`
	LiveTracks  int          `json:"live_tracks"`
	Buffer      buffer.Stats `json:"buffer"`
	Resets      uint64       `json:"resets"`
	Skipped     uint64       `json:"skipped_batches"`
}

// Scheduler owns the filter. Only the goroutine running Run (or a caller
// of Cycle) touches it.
type Scheduler struct {
	cfg    Config
	clock  timeutil.Clock
	period time.Duration
	health *health.Monitor
	resets chan string

	// cycleMu serialises Cycle and applied resets so a reset is never
	// interleaved with an update.
	cycleMu   sync.Mutex
	lastCycle time.Time
	cycles    uint64
	markerSeq uint64
	detectSeq uint64

	resetCount atomic.Uint64
	skipped    atomic.Uint64
	last       atomic.Pointer[Output]
}

// NewScheduler validates cfg and returns a scheduler that has not started.
func NewScheduler(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Filter == nil:
		return nil, errors.New("tracking: filter is required")
	case cfg.Buffer == nil:
		return nil, errors.New("tracking: buffer is required")
	case cfg.Transformer == nil:
		return nil, errors.New("tracking: transformer is required")
	case cfg.TargetFrame == "":
		return nil, errors.New("tracking: target frame is required")
	case !(cfg.Frequency > 0):
		return nil, errors.New("tracking: frequency must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor(cfg.Frequency)
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = max(1, int(cfg.Frequency*10))
	}
	return &Scheduler{
		cfg:    cfg,
		clock:  cfg.Clock,
		period: time.Duration(float64(time.Second) / cfg.Frequency),
		health: cfg.Health,
		resets: make(chan string, resetQueue),
	}, nil
}

// Period returns the target interval between cycles.
func (s *Scheduler) Period() time.Duration { return s.period }

// Run cycles at the configured frequency until ctx is cancelled. Resets
// requested with Reset are applied between cycles. An in-flight cycle
// always completes and publishes before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	monitoring.Diagf("[Scheduler] started: %s backend, %.1f Hz into %q",
		s.cfg.Filter.Kind(), s.cfg.Frequency, s.cfg.TargetFrame)
	for {
		select {
		case <-ctx.Done():
			monitoring.Diagf("[Scheduler] stopped after %d cycles", s.Cycles())
			return nil
		case reason := <-s.resets:
			s.applyReset(reason)
		case t := <-ticker.C():
			if ctx.Err() != nil {
				continue
			}
			s.Cycle(t)
		}
	}
}

// Reset asks the running loop to discard all tracks and pending
// detections. It never blocks.
func (s *Scheduler) Reset(reason string) {
	select {
	case s.resets <- reason:
	default:
		monitoring.Diagf("[Scheduler] reset %q coalesced with pending resets", reason)
	}
}

// ResetNow applies a reset synchronously from the caller's goroutine. It
// is serialised with Cycle.
func (s *Scheduler) ResetNow(reason string) Output {
	return s.applyReset(reason)
}

func (s *Scheduler) applyReset(reason string) Output {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.cfg.Filter.Reset()
	s.cfg.Buffer.Clear()
	s.lastCycle = time.Time{}
	n := s.resetCount.Add(1)
	monitoring.Diagf("[Scheduler] reset #%d: %s", n, reason)

	s.markerSeq++
	out := Output{
		Cycle:       s.cycles,
		Stamp:       s.clock.Now(),
		Frame:       s.cfg.TargetFrame,
		Reset:       true,
		ResetReason: reason,
		Tracks:      []TrackPose{},
		Markers:     MarkerArray{Seq: s.markerSeq, Frame: s.cfg.TargetFrame, Clear: true, Markers: []Marker{}},
	}
	s.publish(out)
	return out
}

// Cycle runs one tracking cycle stamped now and returns what it published.
func (s *Scheduler) Cycle(now time.Time) Output {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	batches := s.cfg.Buffer.Drain()

	var dt time.Duration
	if !s.lastCycle.IsZero() {
		dt = now.Sub(s.lastCycle)
		if dt < 0 {
			monitoring.Opsf("[Scheduler] clock went backwards by %s, not advancing tracks", -dt)
			dt = 0
		}
	}
	s.lastCycle = now

	out := Output{Frame: s.cfg.TargetFrame, Stamp: now}
	merged := detection.Batch{
		Header:   detection.Header{Stamp: now, Frame: s.cfg.TargetFrame},
		Received: now,
		Source:   "merged",
		UsesTags: true,
	}
	for _, b := range batches {
		resolved, err := s.resolve(b)
		if err != nil {
			s.skipped.Add(1)
			out.Skipped = append(out.Skipped, b.Source)
			monitoring.Opsf("[Scheduler] dropping %d detections from %s: %v", b.Len(), b.Source, err)
			continue
		}
		if n := dropNonFinite(&resolved); n > 0 {
			monitoring.Opsf("[Scheduler] dropping %d non-finite detections from %s", n, b.Source)
		}
		merged.Detections = append(merged.Detections, resolved.Detections...)
		if s.cfg.PublishDetections {
			out.Detections = append(out.Detections, s.echo(resolved))
		}
	}

	s.cfg.Filter.Predict(dt)
	s.cfg.Filter.Update(merged)
	out.Applied = merged.Len()

	out.Tracks = trackPoses(s.cfg.Filter.Tracks())
	out.Primary = primary(out.Tracks)
	s.markerSeq++
	out.Markers = MarkerArray{Seq: s.markerSeq, Frame: s.cfg.TargetFrame, Markers: markers(out.Tracks)}

	s.health.Record(now)
	s.cycles++
	out.Cycle = s.cycles

	monitoring.Tracef("[Scheduler] cycle %d: dt=%s batches=%d detections=%d tracks=%d",
		s.cycles, dt, len(batches), out.Applied, len(out.Tracks))
	if s.cycles%uint64(s.cfg.ReportEvery) == 0 {
		monitoring.Diagf("[Scheduler] frequency %.2f Hz (target %.2f Hz), %d tracks",
			s.health.Frequency(), s.cfg.Frequency, len(out.Tracks))
	}

	s.publish(out)
	return out
}

// resolve maps a batch into the target frame. A batch without a frame is
// taken to be in the target frame already.
func (s *Scheduler) resolve(b detection.Batch) (detection.Batch, error) {
	source := b.Frame
	if source == "" {
		source = s.cfg.TargetFrame
	}
	tf, err := s.cfg.Transformer.Lookup(s.cfg.TargetFrame, source, b.Stamp)
	if err != nil {
		return detection.Batch{}, err
	}
	return b.WithFrame(s.cfg.TargetFrame, tf), nil
}

// dropNonFinite removes detections with a NaN or infinite pose component
// and returns how many it removed.
func dropNonFinite(b *detection.Batch) int {
	kept := make([]detection.Detection, 0, len(b.Detections))
	for _, d := range b.Detections {
		if d.Pose.IsFinite() {
			kept = append(kept, d)
		}
	}
	n := len(b.Detections) - len(kept)
	b.Detections = kept
	return n
}

func (s *Scheduler) echo(b detection.Batch) DetectionEcho {
	s.detectSeq++
	e := DetectionEcho{
		Seq:     s.detectSeq,
		Source:  b.Source,
		Frame:   b.Frame,
		Stamp:   b.Stamp,
		Poses:   make([]frames.Pose, len(b.Detections)),
		Markers: MarkerArray{Seq: s.detectSeq, Frame: b.Frame, Clear: true, Markers: make([]Marker, len(b.Detections))},
	}
	for i, d := range b.Detections {
		e.Poses[i] = d.Pose
		e.Markers.Markers[i] = Marker{ID: uint64(i), Position: d.Pose.Position, Tag: d.Tag}
	}
	if len(e.Poses) > 0 {
		first := e.Poses[0]
		e.Single = &first
	}
	return e
}

// AddSink registers a sink for every later publication. It may be called
// while Run is active.
func (s *Scheduler) AddSink(sink Sink) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.cfg.Sinks = append(s.cfg.Sinks, sink)
}

// publish runs with cycleMu held.
func (s *Scheduler) publish(out Output) {
	s.last.Store(&out)
	for _, sink := range s.cfg.Sinks {
		sink.Publish(out)
	}
}

// LastOutput returns the most recent publication, or false before the
// first cycle or reset.
func (s *Scheduler) LastOutput() (Output, bool) {
	p := s.last.Load()
	if p == nil {
		return Output{}, false
	}
	return *p, true
}

// Cycles returns the number of completed cycles.
func (s *Scheduler) Cycles() uint64 {
	return s.health.Snapshot().Cycles
}

// Health reports measured frequency together with buffer and track counts.
func (s *Scheduler) Health() Status {
	st := Status{
		Snapshot:    s.health.Snapshot(),
		Filter:      string(s.cfg.Filter.Kind()),
		TargetFrame: s.cfg.TargetFrame,
		Buffer:      s.cfg.Buffer.Stats(),
		Resets:      s.resetCount.Load(),
		Skipped:     s.skipped.Load(),
	}
	if out, ok := s.LastOutput(); ok {
		st.LiveTracks = len(out.Tracks)
	}
	return st
}
