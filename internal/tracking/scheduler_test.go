package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/buffer"
	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/filter"
	"github.com/rasberry/tracking/internal/frames"
	"github.com/rasberry/tracking/internal/timeutil"
)

var start = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// --- harness ---

type recorder struct {
	mu   sync.Mutex
	outs []Output
}

func (r *recorder) Publish(o Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = append(r.outs, o)
}

func (r *recorder) all() []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Output(nil), r.outs...)
}

type harness struct {
	s    *Scheduler
	clk  *timeutil.MockClock
	buf  *buffer.Buffer
	flt  filter.Filter
	sink *recorder
}

type option func(*Config)

func withEcho(c *Config) { c.PublishDetections = true }

func newHarness(t *testing.T, kind filter.Kind, freq float64, opts ...option) *harness {
	t.Helper()
	return newSeededHarness(t, kind, freq, 7, opts...)
}

func newSeededHarness(t *testing.T, kind filter.Kind, freq float64, seed uint64, opts ...option) *harness {
	t.Helper()
	fcfg := filter.DefaultConfig()
	fcfg.Seed = seed
	flt, err := filter.New(kind, fcfg)
	require.NoError(t, err)

	tree := frames.NewTree(0)
	require.NoError(t, tree.SetStatic("camera", "map", frames.Transform{
		Translation: r3.Vec{X: 1},
		Rotation:    frames.FromXYZW(0, 0, 0, 1),
	}))

	h := &harness{
		clk:  timeutil.NewMockClock(start),
		buf:  buffer.New(),
		flt:  flt,
		sink: &recorder{},
	}
	cfg := Config{
		Clock:       h.clk,
		Filter:      flt,
		Buffer:      h.buf,
		Transformer: tree,
		TargetFrame: "map",
		Frequency:   freq,
		Sinks:       []Sink{h.sink},
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.s, err = NewScheduler(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) adapter(t *testing.T, source string, shape detection.Shape, useTags bool) *detection.Adapter {
	t.Helper()
	a, err := detection.NewAdapter(source, shape, useTags, h.clk, h.buf)
	require.NoError(t, err)
	return a
}

// step advances the mock clock by one period and runs a cycle.
func (h *harness) step() Output {
	h.clk.Advance(h.s.Period())
	return h.s.Cycle(h.clk.Now())
}

func tagged(frame string, x, y, z float64, tag string) *detection.TaggedPoseArrayMessage {
	return &detection.TaggedPoseArrayMessage{
		Header: detection.Header{Frame: frame},
		Poses:  []detection.TaggedPose{{Tag: tag, Pose: frames.Pose{Position: r3.Vec{X: x, Y: y, Z: z}}}},
	}
}

func poses(frame string, pts ...r3.Vec) *detection.PoseArrayMessage {
	m := &detection.PoseArrayMessage{Header: detection.Header{Frame: frame}}
	for _, p := range pts {
		m.Poses = append(m.Poses, frames.Pose{Position: p})
	}
	return m
}

func near(t *testing.T, want, got r3.Vec, tol float64) {
	t.Helper()
	assert.LessOrEqual(t, r3.Norm(r3.Sub(want, got)), tol, "want %v got %v", want, got)
}

// --- construction ---

func TestNewScheduler_RequiresCollaborators(t *testing.T) {
	flt, err := filter.New(filter.KindEKF, filter.DefaultConfig())
	require.NoError(t, err)
	full := Config{Filter: flt, Buffer: buffer.New(), Transformer: frames.NewTree(0), TargetFrame: "map", Frequency: 10}

	for name, mutate := range map[string]func(*Config){
		"filter":      func(c *Config) { c.Filter = nil },
		"buffer":      func(c *Config) { c.Buffer = nil },
		"transformer": func(c *Config) { c.Transformer = nil },
		"frame":       func(c *Config) { c.TargetFrame = "" },
		"frequency":   func(c *Config) { c.Frequency = 0 },
	} {
		cfg := full
		mutate(&cfg)
		_, err := NewScheduler(cfg)
		assert.Error(t, err, name)
	}

	s, err := NewScheduler(full)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, s.Period())
	_, ok := s.LastOutput()
	assert.False(t, ok)
}

// --- end-to-end scenarios ---

func TestScheduler_StationaryTaggedSourceAtHalfRate(t *testing.T) {
	type run struct {
		kind filter.Kind
		seed uint64
	}
	var runs []run
	for _, kind := range filter.Kinds {
		runs = append(runs, run{kind, 7})
	}
	for _, seed := range []uint64{1, 2, 3, 42, 1234} {
		runs = append(runs, run{filter.KindParticle, seed})
	}

	for _, r := range runs {
		t.Run(fmt.Sprintf("%s/seed=%d", r.kind, r.seed), func(t *testing.T) {
			t.Parallel()
			h := newSeededHarness(t, r.kind, 10, r.seed)
			src := h.adapter(t, "plants", detection.ShapeTaggedPose, true)

			var out Output
			for i := 0; i < 20; i++ {
				if i%2 == 0 {
					require.NoError(t, src.Handle(tagged("map", 1, 2, 0, "plant_A")))
				}
				out = h.step()
			}

			require.Len(t, out.Tracks, 1)
			near(t, r3.Vec{X: 1, Y: 2}, out.Tracks[0].Position, 0.2)
			assert.Equal(t, "plant_A", out.Tracks[0].Tag)
			require.NotNil(t, out.Primary)
			assert.Equal(t, out.Tracks[0].ID, out.Primary.ID)
			require.Len(t, out.Markers.Markers, 1)
			assert.Equal(t, out.Tracks[0].ID, out.Markers.Markers[0].ID)
			assert.Equal(t, "map", out.Markers.Frame)
		})
	}
}

func TestScheduler_NonFiniteSourceDoesNotWithholdOutput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10, withEcho)
	good := h.adapter(t, "plants", detection.ShapeTaggedPose, true)
	bad := h.adapter(t, "broken", detection.ShapePoseArray, false)

	for i := 0; i < 30; i++ {
		require.NoError(t, good.Handle(tagged("map", 1, 2, 0, "plant_A")))
		if i%3 == 0 {
			require.NoError(t, bad.Handle(poses("map", r3.Vec{X: math.NaN()}, r3.Vec{Y: math.Inf(1)})))
		}
		out := h.step()
		_, err := json.Marshal(out)
		require.NoError(t, err, "cycle %d", i)
		assert.Equal(t, 1, out.Applied)
		require.Len(t, out.Tracks, 1)
		near(t, r3.Vec{X: 1, Y: 2}, out.Tracks[0].Position, 0.2)
	}
}

func TestScheduler_NoDetectionsStaysEmptyAtTargetRate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindParticle, 10)
	for i := 0; i < 50; i++ {
		out := h.step()
		assert.Empty(t, out.Tracks)
		assert.Nil(t, out.Primary)
	}
	st := h.s.Health()
	assert.InDelta(t, 10.0, st.MeasuredHz, 1e-6)
	assert.Equal(t, uint64(50), st.Cycles)
	assert.True(t, st.WindowFull)
	assert.Equal(t, "particle", st.Filter)
}

func TestScheduler_ResetWithLiveTracks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	src := h.adapter(t, "lidar", detection.ShapePoseArray, false)

	for i := 0; i < 3; i++ {
		require.NoError(t, src.Handle(poses("map", r3.Vec{X: 1}, r3.Vec{X: 5})))
		h.step()
	}
	out, _ := h.s.LastOutput()
	require.Len(t, out.Tracks, 2)

	// A batch arriving before the reset is discarded by it.
	require.NoError(t, src.Handle(poses("map", r3.Vec{X: 1})))
	reset := h.s.ResetNow("operator request")
	assert.True(t, reset.Reset)
	assert.Equal(t, "operator request", reset.ResetReason)
	assert.Empty(t, reset.Tracks)
	assert.True(t, reset.Markers.Clear)
	assert.Empty(t, h.flt.Tracks())
	assert.Zero(t, h.buf.Pending())

	last, ok := h.s.LastOutput()
	require.True(t, ok)
	assert.Empty(t, last.Tracks)

	next := h.step()
	assert.Empty(t, next.Tracks)
	assert.Equal(t, uint64(1), h.s.Health().Resets)

	// Idempotent.
	h.s.ResetNow("again")
	assert.Empty(t, h.flt.Tracks())
}

func TestScheduler_TransformFailureSkipsOnlyThatSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	good := h.adapter(t, "cam", detection.ShapePoseArray, false)
	bad := h.adapter(t, "ghost", detection.ShapePoseArray, false)

	require.NoError(t, good.Handle(poses("camera", r3.Vec{Y: 2})))
	require.NoError(t, bad.Handle(poses("nowhere", r3.Vec{X: 9})))
	out := h.step()

	assert.Equal(t, []string{"ghost"}, out.Skipped)
	assert.Equal(t, 1, out.Applied)
	require.Len(t, out.Tracks, 1)
	// camera sits 1m along x from map.
	near(t, r3.Vec{X: 1, Y: 2}, out.Tracks[0].Position, 1e-9)
	assert.Equal(t, uint64(1), h.s.Health().Skipped)
}

func TestScheduler_EmptyCycleAgesTracksByElapsedTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindUKF, 10)
	src := h.adapter(t, "lidar", detection.ShapePoseArray, false)
	require.NoError(t, src.Handle(poses("map", r3.Vec{X: 1})))
	first := h.s.Cycle(start)
	require.Len(t, first.Tracks, 1)

	next := h.s.Cycle(start.Add(137 * time.Millisecond))
	require.Len(t, next.Tracks, 1)
	assert.Equal(t, 137*time.Millisecond, next.Tracks[0].Age-first.Tracks[0].Age)
	assert.Zero(t, next.Applied)
}

func TestScheduler_ClockStepBackwardsDoesNotAge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	src := h.adapter(t, "lidar", detection.ShapePoseArray, false)
	require.NoError(t, src.Handle(poses("map", r3.Vec{X: 1})))
	h.s.Cycle(start)

	out := h.s.Cycle(start.Add(-time.Second))
	require.Len(t, out.Tracks, 1)
	assert.Zero(t, out.Tracks[0].Age)
}

func TestScheduler_UntaggedSourceDropsTags(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	src := h.adapter(t, "cam", detection.ShapeDetections, false)
	require.NoError(t, src.Handle(&detection.DetectionsMessage{
		Header:  detection.Header{Frame: "map"},
		Objects: []detection.DetectedObject{{ClassName: "person", Confidence: 0.8}},
	}))
	out := h.step()
	require.Len(t, out.Tracks, 1)
	assert.Equal(t, "", out.Tracks[0].Tag)
}

func TestScheduler_MultipleSourcesMergeInOneCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	a := h.adapter(t, "a", detection.ShapeTaggedPose, true)
	b := h.adapter(t, "b", detection.ShapeTaggedPose, true)

	require.NoError(t, a.Handle(tagged("map", 0, 0, 0, "x")))
	// Only the latest unread batch per source survives.
	require.NoError(t, b.Handle(tagged("map", 9, 9, 0, "stale")))
	require.NoError(t, b.Handle(tagged("map", 3, 0, 0, "y")))
	out := h.step()

	require.Len(t, out.Tracks, 2)
	assert.Equal(t, "x", out.Tracks[0].Tag)
	assert.Equal(t, "y", out.Tracks[1].Tag)
	assert.Equal(t, uint64(1), h.s.Health().Buffer.Overwritten)
}

func TestScheduler_PrimaryIsNearestOrigin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	src := h.adapter(t, "lidar", detection.ShapePoseArray, false)
	require.NoError(t, src.Handle(poses("map", r3.Vec{X: 4}, r3.Vec{Y: -2}, r3.Vec{X: 2})))
	out := h.step()

	require.NotNil(t, out.Primary)
	assert.Equal(t, uint64(2), out.Primary.ID)

	tie := []TrackPose{{ID: 9, Position: r3.Vec{X: 1}}, {ID: 3, Position: r3.Vec{Y: 1}}}
	assert.Equal(t, uint64(3), primary(tie).ID)
	assert.Nil(t, primary(nil))
}

func TestScheduler_SequenceCountersAreMonotonic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10, withEcho)
	a := h.adapter(t, "a", detection.ShapePoseArray, false)
	b := h.adapter(t, "b", detection.ShapePoseArray, false)

	require.NoError(t, a.Handle(poses("camera", r3.Vec{}, r3.Vec{Y: 3})))
	require.NoError(t, b.Handle(poses("map", r3.Vec{X: 7})))
	out := h.step()
	require.Len(t, out.Detections, 2)
	assert.Equal(t, "a", out.Detections[0].Source)
	assert.Equal(t, uint64(1), out.Detections[0].Seq)
	assert.Equal(t, uint64(2), out.Detections[1].Seq)
	require.NotNil(t, out.Detections[0].Single)
	near(t, r3.Vec{X: 1}, out.Detections[0].Single.Position, 1e-9)
	assert.Equal(t, "map", out.Detections[0].Frame)
	echoMarkers := out.Detections[0].Markers
	assert.Equal(t, uint64(1), echoMarkers.Seq)
	assert.True(t, echoMarkers.Clear)
	require.Len(t, echoMarkers.Markers, 2)
	near(t, r3.Vec{X: 1, Y: 3}, echoMarkers.Markers[1].Position, 1e-9)
	assert.Equal(t, uint64(1), echoMarkers.Markers[1].ID)

	h.s.ResetNow("test")
	h.step()
	require.NoError(t, a.Handle(poses("map", r3.Vec{})))
	out = h.step()
	assert.Equal(t, uint64(3), out.Detections[0].Seq)

	var prev uint64
	for _, o := range h.sink.all() {
		assert.Greater(t, o.Markers.Seq, prev)
		prev = o.Markers.Seq
	}
	assert.Len(t, h.sink.all(), 4)
}

// --- run loop ---

func TestScheduler_RunTicksAppliesResetAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	src := h.adapter(t, "lidar", detection.ShapePoseArray, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()
	require.Eventually(t, func() bool { return h.clk.Tickers() == 1 }, time.Second, time.Millisecond)

	for i := 1; i <= 3; i++ {
		require.NoError(t, src.Handle(poses("map", r3.Vec{X: 1}, r3.Vec{X: 4})))
		h.clk.Advance(h.s.Period())
		want := uint64(i)
		require.Eventually(t, func() bool { return h.s.Cycles() == want }, time.Second, time.Millisecond)
	}
	out, _ := h.s.LastOutput()
	require.Len(t, out.Tracks, 2)

	h.s.Reset("operator")
	require.Eventually(t, func() bool {
		o, _ := h.s.LastOutput()
		return o.Reset
	}, time.Second, time.Millisecond)
	last, _ := h.s.LastOutput()
	assert.Empty(t, last.Tracks)
	assert.Equal(t, "operator", last.ResetReason)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduler_ConcurrentProducersDuringCycles(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 50)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for p := 0; p < 4; p++ {
		a := h.adapter(t, fmt.Sprintf("src%d", p), detection.ShapePoseArray, false)
		x := float64(p * 10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = a.Handle(poses("map", r3.Vec{X: x}))
			}
		}()
	}
	for i := 0; i < 50; i++ {
		h.step()
	}
	close(stop)
	wg.Wait()

	out := h.step()
	assert.LessOrEqual(t, len(out.Tracks), 4)
	for _, tr := range out.Tracks {
		// Every track sits on one producer's position; a torn batch would
		// have produced something in between.
		x := tr.Position.X
		assert.InDelta(t, 0, x-10*float64(int(x/10+0.5)), 0.2, "track at %v", tr.Position)
		assert.InDelta(t, 0, tr.Position.Y, 0.2)
	}
}

func TestScheduler_AddSink(t *testing.T) {
	t.Parallel()
	h := newHarness(t, filter.KindEKF, 10)
	h.step()

	late := &recorder{}
	h.s.AddSink(late)
	h.step()
	h.s.ResetNow("late")

	assert.Len(t, h.sink.all(), 3)
	outs := late.all()
	require.Len(t, outs, 2)
	assert.True(t, outs[1].Reset)
}
