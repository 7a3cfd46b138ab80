package filter

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/config"
	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/frames"
)

// --- helpers ---

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Seed = 42
	return cfg
}

func newFilter(t *testing.T, kind Kind, cfg Config) Filter {
	t.Helper()
	f, err := New(kind, cfg)
	require.NoError(t, err)
	require.Equal(t, kind, f.Kind())
	return f
}

func at(x, y, z float64, tag string) detection.Detection {
	return detection.Detection{Pose: frames.Pose{Position: r3.Vec{X: x, Y: y, Z: z}}, Tag: tag}
}

func batchOf(dets ...detection.Detection) detection.Batch {
	return detection.Batch{Header: detection.Header{Frame: "map"}, Detections: dets}
}

func forEachKind(t *testing.T, fn func(t *testing.T, kind Kind)) {
	for _, k := range Kinds {
		t.Run(string(k), func(t *testing.T) {
			t.Parallel()
			fn(t, k)
		})
	}
}

func near(t *testing.T, want, got r3.Vec, tol float64) {
	t.Helper()
	assert.LessOrEqual(t, r3.Norm(r3.Sub(want, got)), tol, "want %v got %v", want, got)
}

// --- construction ---

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" UKF ")
	require.NoError(t, err)
	assert.Equal(t, KindUKF, k)

	_, err = ParseKind("kalman")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(Kind("bogus"), testConfig())
	assert.True(t, errors.Is(err, ErrUnknownKind))

	cfg := testConfig()
	cfg.Particles = 0
	_, err = New(KindParticle, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MeasurementNoise = 0
	_, err = New(KindEKF, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.CostMetric = "manhattan"
	_, err = New(KindEKF, cfg)
	assert.True(t, errors.Is(err, ErrUnknownMetric))
}

func TestConfigFromTracking_Defaults(t *testing.T) {
	cfg, err := ConfigFromTracking(&config.TrackingConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	metric := "mahalanobis"
	misses := 4
	cfg, err = ConfigFromTracking(&config.TrackingConfig{CostMetric: &metric, MaxMisses: &misses})
	require.NoError(t, err)
	assert.Equal(t, CostMahalanobis, cfg.CostMetric)
	assert.Equal(t, 4, cfg.MaxMisses)
}

// --- convergence ---

func TestFilter_StationaryTaggedTarget(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		f := newFilter(t, kind, testConfig())
		for i := 0; i < 10; i++ {
			f.Predict(200 * time.Millisecond)
			f.Update(batchOf(at(1, 2, 0, "plant_A")))
		}

		tracks := f.Tracks()
		require.Len(t, tracks, 1)
		tr := tracks[0]
		near(t, r3.Vec{X: 1, Y: 2}, tr.Position, 0.2)
		assert.Equal(t, "plant_A", tr.Tag)
		assert.Equal(t, StateConfirmed, tr.State)
		assert.Equal(t, uint64(1), tr.ID)
		assert.NotEmpty(t, tr.UUID)
		assert.Equal(t, 10, tr.Hits)
		assert.Zero(t, tr.Misses)
	})
}

func TestFilter_KalmanEstimatesVelocity(t *testing.T) {
	for _, kind := range []Kind{KindEKF, KindUKF} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			f := newFilter(t, kind, testConfig())
			const dt = 0.1
			for i := 0; i < 40; i++ {
				f.Predict(100 * time.Millisecond)
				f.Update(batchOf(at(float64(i)*dt, 0, 0, "")))
			}
			tracks := f.Tracks()
			require.Len(t, tracks, 1)
			near(t, r3.Vec{X: 1}, tracks[0].Velocity, 0.15)
			near(t, r3.Vec{X: 3.9}, tracks[0].Position, 0.1)
		})
	}
}

func TestFilter_EKFAndUKFAgreeOnLinearModel(t *testing.T) {
	ekf := newFilter(t, KindEKF, testConfig())
	ukf := newFilter(t, KindUKF, testConfig())
	for i := 0; i < 15; i++ {
		z := at(0.3*float64(i), 1, 0.5, "")
		for _, f := range []Filter{ekf, ukf} {
			f.Predict(100 * time.Millisecond)
			f.Update(batchOf(z))
		}
	}
	a, b := ekf.Tracks()[0], ukf.Tracks()[0]
	near(t, a.Position, b.Position, 1e-6)
	near(t, a.Velocity, b.Velocity, 1e-6)
}

func TestFilter_ParticleConvergesAcrossSeeds(t *testing.T) {
	for _, seed := range []uint64{1, 2, 3, 7, 42, 1234} {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Seed = seed
			f := newFilter(t, KindParticle, cfg)
			for i := 0; i < 10; i++ {
				f.Predict(200 * time.Millisecond)
				f.Update(batchOf(at(1, 2, 0, "plant_A")))
			}
			tracks := f.Tracks()
			require.Len(t, tracks, 1)
			near(t, r3.Vec{X: 1, Y: 2}, tracks[0].Position, 0.2)
			near(t, r3.Vec{}, tracks[0].Velocity, 0.5)
		})
	}
}

// --- association ---

type fixedEstimator struct{ pos r3.Vec }

func (fixedEstimator) predict(float64)           {}
func (fixedEstimator) correct(r3.Vec)            {}
func (e fixedEstimator) position() r3.Vec        { return e.pos }
func (fixedEstimator) velocity() r3.Vec          { return r3.Vec{} }
func (fixedEstimator) innovation() *mat.SymDense { return measurementNoise(1) }

func TestTracker_NaNCostIsGated(t *testing.T) {
	for _, metric := range []CostMetric{CostEuclidean, CostMahalanobis} {
		cfg := testConfig()
		cfg.CostMetric = metric
		tr := newTracker(KindEKF, cfg, nil)
		tr.tracks = []*track{{id: 1, est: fixedEstimator{pos: r3.Vec{X: math.NaN()}}}}
		assert.Equal(t, []int{-1}, tr.associate([]detection.Detection{at(0, 0, 0, "")}), string(metric))
	}
}

func TestFilter_NonFiniteDetectionsIgnored(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		f := newFilter(t, kind, testConfig())
		bad := at(math.NaN(), 0, 0, "")
		for i := 0; i < 5; i++ {
			f.Predict(100 * time.Millisecond)
			f.Update(batchOf(bad, at(1, 2, 0, ""), at(math.Inf(1), 2, 0, "")))
		}
		tracks := f.Tracks()
		require.Len(t, tracks, 1)
		near(t, r3.Vec{X: 1, Y: 2}, tracks[0].Position, 0.2)
		assert.Equal(t, 5, tracks[0].Hits)
	})
}

func TestFilter_TwoTargetsKeepIdentity(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		f := newFilter(t, kind, testConfig())
		for i := 0; i < 5; i++ {
			f.Predict(100 * time.Millisecond)
			// Order flips each cycle; identity must follow position.
			if i%2 == 0 {
				f.Update(batchOf(at(0, 0, 0, ""), at(3, 0, 0, "")))
			} else {
				f.Update(batchOf(at(3, 0, 0, ""), at(0, 0, 0, "")))
			}
		}
		tracks := f.Tracks()
		require.Len(t, tracks, 2)
		near(t, r3.Vec{}, tracks[0].Position, 0.2)
		near(t, r3.Vec{X: 3}, tracks[1].Position, 0.2)
	})
}

func TestFilter_GatingSpawnsNewTrack(t *testing.T) {
	f := newFilter(t, KindEKF, testConfig())
	f.Update(batchOf(at(0, 0, 0, "")))
	f.Predict(100 * time.Millisecond)
	f.Update(batchOf(at(5, 0, 0, "")))

	tracks := f.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, 1, tracks[0].Misses)
	assert.Equal(t, 1, tracks[1].Hits)
}

func TestFilter_TagAwareAssociation(t *testing.T) {
	f := newFilter(t, KindEKF, testConfig())
	f.Update(batchOf(at(0, 0, 0, "apple")))

	// Same place, different tag: may not associate.
	f.Predict(100 * time.Millisecond)
	f.Update(batchOf(at(0.05, 0, 0, "pear")))
	tracks := f.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "apple", tracks[0].Tag)
	assert.Equal(t, "pear", tracks[1].Tag)

	// An untagged detection may associate with a tagged track, and the
	// track then carries the detection's (empty) tag.
	f.Predict(100 * time.Millisecond)
	f.Update(batchOf(at(0, 0, 0, ""), at(0.05, 0, 0, "pear")))
	tracks = f.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "", tracks[0].Tag)
	assert.Equal(t, "pear", tracks[1].Tag)
	assert.Zero(t, tracks[0].Misses)
}

func TestFilter_MahalanobisMetric(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		cfg := testConfig()
		cfg.CostMetric = CostMahalanobis
		cfg.GatingThreshold = 11.34
		f := newFilter(t, kind, cfg)

		f.Update(batchOf(at(0, 0, 0, "")))
		f.Predict(100 * time.Millisecond)
		f.Update(batchOf(at(0.1, 0, 0, ""), at(10, 0, 0, "")))

		tracks := f.Tracks()
		require.Len(t, tracks, 2)
		assert.Equal(t, 2, tracks[0].Hits)
		assert.Equal(t, 1, tracks[1].Hits)
	})
}

func TestFilter_OrientationFromLastMatch(t *testing.T) {
	f := newFilter(t, KindEKF, testConfig())
	q := frames.FromXYZW(0, 0, 0.7071068, 0.7071068)
	d := at(1, 1, 0, "")
	d.Pose.Orientation = q
	f.Update(batchOf(d))
	f.Predict(100 * time.Millisecond)
	f.Update(batchOf(at(1, 1, 0, "")))

	assert.Equal(t, q, f.Tracks()[0].Orientation)
	assert.NotEqual(t, quat.Number{}, f.Tracks()[0].Orientation)
}

// --- lifecycle ---

func TestFilter_PrunesAfterMaxMisses(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		cfg := testConfig()
		cfg.MaxMisses = 2
		f := newFilter(t, kind, cfg)
		f.Update(batchOf(at(0, 0, 0, "")))

		for i := 1; i <= 2; i++ {
			f.Predict(100 * time.Millisecond)
			f.Update(batchOf())
			require.Len(t, f.Tracks(), 1, "after %d misses", i)
		}
		f.Predict(100 * time.Millisecond)
		f.Update(batchOf())
		assert.Empty(t, f.Tracks())
	})
}

func TestFilter_TrackTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMisses = 100
	cfg.TrackTimeout = time.Second
	f := newFilter(t, KindEKF, cfg)
	f.Update(batchOf(at(0, 0, 0, "")))

	f.Predict(600 * time.Millisecond)
	require.Len(t, f.Tracks(), 1)
	assert.Equal(t, 600*time.Millisecond, f.Tracks()[0].SinceSeen)

	f.Predict(600 * time.Millisecond)
	assert.Empty(t, f.Tracks())
}

func TestFilter_EmptyUpdateAgesByPredictedTime(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		f := newFilter(t, kind, testConfig())
		f.Update(batchOf(at(0, 0, 0, "")))
		before := f.Tracks()[0].Age

		f.Predict(137 * time.Millisecond)
		f.Update(batchOf())
		after := f.Tracks()[0]
		assert.Equal(t, 137*time.Millisecond, after.Age-before)
		assert.Equal(t, 1, after.Misses)
	})
}

func TestFilter_NegativeDtIsZero(t *testing.T) {
	f := newFilter(t, KindUKF, testConfig())
	f.Update(batchOf(at(1, 1, 1, "")))
	f.Predict(-time.Second)
	tr := f.Tracks()[0]
	assert.Zero(t, tr.Age)
	near(t, r3.Vec{X: 1, Y: 1, Z: 1}, tr.Position, 1e-9)
}

func TestFilter_ConfirmationAndMaxTracks(t *testing.T) {
	cfg := testConfig()
	cfg.HitsToConfirm = 2
	cfg.MaxTracks = 2
	f := newFilter(t, KindEKF, cfg)

	f.Update(batchOf(at(0, 0, 0, ""), at(10, 0, 0, ""), at(20, 0, 0, "")))
	tracks := f.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, StateTentative, tracks[0].State)

	f.Predict(100 * time.Millisecond)
	f.Update(batchOf(at(0, 0, 0, "")))
	tracks = f.Tracks()
	assert.Equal(t, StateConfirmed, tracks[0].State)
	assert.Equal(t, StateTentative, tracks[1].State)
}

func TestFilter_HistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLength = 3
	f := newFilter(t, KindEKF, cfg)
	for i := 0; i < 6; i++ {
		f.Predict(100 * time.Millisecond)
		f.Update(batchOf(at(0, 0, 0, "")))
	}
	tr := f.Tracks()[0]
	assert.Len(t, tr.History, 3)

	// Snapshots do not alias internal state.
	tr.History[0] = r3.Vec{X: 99}
	assert.NotEqual(t, r3.Vec{X: 99}, f.Tracks()[0].History[0])
}

func TestFilter_Reset(t *testing.T) {
	forEachKind(t, func(t *testing.T, kind Kind) {
		f := newFilter(t, kind, testConfig())
		f.Update(batchOf(at(0, 0, 0, ""), at(5, 5, 0, "")))
		require.Len(t, f.Tracks(), 2)

		f.Reset()
		assert.Empty(t, f.Tracks())
		f.Reset()
		assert.Empty(t, f.Tracks())

		f.Update(batchOf(at(1, 0, 0, "")))
		require.Len(t, f.Tracks(), 1)
		assert.Equal(t, uint64(1), f.Tracks()[0].ID)
	})
}

func TestParticle_DeterministicForSeed(t *testing.T) {
	run := func() r3.Vec {
		f := newFilter(t, KindParticle, testConfig())
		for i := 0; i < 5; i++ {
			f.Predict(100 * time.Millisecond)
			f.Update(batchOf(at(1, 2, 0, "")))
		}
		return f.Tracks()[0].Position
	}
	assert.Equal(t, run(), run())
}
