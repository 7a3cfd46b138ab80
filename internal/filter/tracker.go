package filter

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/monitoring"
)

// estimator is the per-track state estimate of one backend.
type estimator interface {
	predict(dt float64)
	correct(z r3.Vec)
	position() r3.Vec
	velocity() r3.Vec
	// innovation returns the 3×3 covariance of the expected measurement,
	// HPHᵀ + R, used for Mahalanobis gating.
	innovation() *mat.SymDense
}

// backend creates estimators for new tracks.
type backend interface {
	spawn(z r3.Vec) estimator
	reset()
}

type track struct {
	id          uint64
	uuid        string
	tag         string
	orientation quat.Number
	est         estimator

	state     State
	age       time.Duration
	sinceSeen time.Duration
	hits      int
	misses    int
	history   []r3.Vec
}

// tracker is the association and lifecycle core shared by all backends.
type tracker struct {
	kind    Kind
	cfg     Config
	backend backend

	mu     sync.Mutex
	tracks []*track // ordered by id
	nextID uint64
}

func newTracker(kind Kind, cfg Config, b backend) *tracker {
	return &tracker{kind: kind, cfg: cfg, backend: b, nextID: 1}
}

func (t *tracker) Kind() Kind { return t.kind }

func (t *tracker) Predict(dt time.Duration) {
	if dt < 0 {
		dt = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	secs := dt.Seconds()
	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		tr.est.predict(secs)
		tr.age += dt
		tr.sinceSeen += dt
		if t.cfg.TrackTimeout > 0 && tr.sinceSeen > t.cfg.TrackTimeout {
			monitoring.Tracef("[Filter] track %d timed out after %s unseen", tr.id, tr.sinceSeen)
			continue
		}
		kept = append(kept, tr)
	}
	clear(t.tracks[len(kept):])
	t.tracks = kept
}

func (t *tracker) Update(batch detection.Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dets := finiteDetections(batch.Detections)
	assigned := t.associate(dets)

	matched := make([]bool, len(t.tracks))
	for di, ti := range assigned {
		if ti < 0 {
			continue
		}
		matched[ti] = true
		t.correct(t.tracks[ti], dets[di])
	}

	kept := t.tracks[:0]
	for i, tr := range t.tracks {
		if !matched[i] {
			tr.misses++
			if tr.misses > t.cfg.MaxMisses {
				monitoring.Tracef("[Filter] track %d removed after %d misses", tr.id, tr.misses)
				continue
			}
		}
		kept = append(kept, tr)
	}
	clear(t.tracks[len(kept):])
	t.tracks = kept

	for di, ti := range assigned {
		if ti >= 0 {
			continue
		}
		if len(t.tracks) >= t.cfg.MaxTracks {
			monitoring.Tracef("[Filter] max_tracks %d reached, dropping unmatched detection", t.cfg.MaxTracks)
			break
		}
		t.spawn(dets[di])
	}
}

// associate returns, for each detection, the index into t.tracks it was
// assigned to or -1.
func (t *tracker) associate(dets []detection.Detection) []int {
	if len(dets) == 0 {
		return nil
	}
	if len(t.tracks) == 0 {
		out := make([]int, len(dets))
		for i := range out {
			out[i] = -1
		}
		return out
	}

	cost := make([][]float64, len(dets))
	for i, d := range dets {
		cost[i] = make([]float64, len(t.tracks))
		for j, tr := range t.tracks {
			if d.Tag != "" && tr.tag != "" && d.Tag != tr.tag {
				cost[i][j] = Forbidden
				continue
			}
			c := t.cost(tr, d.Pose.Position)
			if !(c <= t.cfg.GatingThreshold) {
				c = Forbidden
			}
			cost[i][j] = c
		}
	}
	return HungarianAssign(cost)
}

// finiteDetections drops detections whose pose cannot be tracked. The
// input slice is not modified.
func finiteDetections(dets []detection.Detection) []detection.Detection {
	for i, d := range dets {
		if d.Pose.IsFinite() {
			continue
		}
		out := append([]detection.Detection(nil), dets[:i]...)
		for _, d := range dets[i+1:] {
			if d.Pose.IsFinite() {
				out = append(out, d)
			}
		}
		monitoring.Opsf("[Filter] dropped %d non-finite detections", len(dets)-len(out))
		return out
	}
	return dets
}

func (t *tracker) cost(tr *track, z r3.Vec) float64 {
	if t.cfg.CostMetric == CostMahalanobis {
		return mahalanobisSquared(tr.est.innovation(), r3.Sub(z, tr.est.position()))
	}
	return r3.Norm(r3.Sub(z, tr.est.position()))
}

func (t *tracker) correct(tr *track, d detection.Detection) {
	tr.est.correct(d.Pose.Position)
	tr.hits++
	tr.misses = 0
	tr.sinceSeen = 0
	tr.tag = d.Tag
	if d.Pose.HasOrientation() {
		tr.orientation = d.Pose.Orientation
	}
	if tr.state == StateTentative && tr.hits >= t.cfg.HitsToConfirm {
		tr.state = StateConfirmed
	}
	t.record(tr)
}

func (t *tracker) spawn(d detection.Detection) {
	tr := &track{
		id:          t.nextID,
		uuid:        uuid.NewString(),
		tag:         d.Tag,
		orientation: d.Pose.Orientation,
		est:         t.backend.spawn(d.Pose.Position),
		state:       StateTentative,
		hits:        1,
	}
	t.nextID++
	if tr.hits >= t.cfg.HitsToConfirm {
		tr.state = StateConfirmed
	}
	t.record(tr)
	t.tracks = append(t.tracks, tr)
	monitoring.Tracef("[Filter] spawned track %d at (%.2f, %.2f, %.2f) tag=%q",
		tr.id, d.Pose.Position.X, d.Pose.Position.Y, d.Pose.Position.Z, tr.tag)
}

func (t *tracker) record(tr *track) {
	if t.cfg.HistoryLength <= 0 {
		return
	}
	tr.history = append(tr.history, tr.est.position())
	if over := len(tr.history) - t.cfg.HistoryLength; over > 0 {
		tr.history = append(tr.history[:0], tr.history[over:]...)
	}
}

func (t *tracker) Tracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		out = append(out, Track{
			ID:          tr.id,
			UUID:        tr.uuid,
			Tag:         tr.tag,
			State:       tr.state,
			Position:    tr.est.position(),
			Velocity:    tr.est.velocity(),
			Orientation: tr.orientation,
			Age:         tr.age,
			SinceSeen:   tr.sinceSeen,
			Hits:        tr.hits,
			Misses:      tr.misses,
			History:     append([]r3.Vec(nil), tr.history...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = nil
	t.nextID = 1
	t.backend.reset()
}

// mahalanobisSquared returns yᵀ S⁻¹ y, or +Inf when S is not positive
// definite.
func mahalanobisSquared(s *mat.SymDense, y r3.Vec) float64 {
	var chol mat.Cholesky
	if !chol.Factorize(s) {
		return math.Inf(1)
	}
	v := mat.NewVecDense(3, []float64{y.X, y.Y, y.Z})
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, v); err != nil {
		return math.Inf(1)
	}
	return mat.Dot(v, &x)
}
