// Package filter implements the multi-target tracking backends. All three
// (particle, EKF, UKF) share one association and lifecycle core and differ
// only in the per-track estimator.
package filter

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/detection"
)

// Filter is the contract the tracking cycle drives. Implementations are
// synchronous and perform no I/O.
type Filter interface {
	// Predict advances every track by dt. Negative dt is treated as zero.
	Predict(dt time.Duration)
	// Update associates the batch with live tracks, corrects matched
	// tracks, spawns tracks for unmatched detections and prunes tracks
	// that have missed too often. An empty batch only ages tracks.
	Update(batch detection.Batch)
	// Tracks returns a snapshot of the live tracks ordered by ID.
	Tracks() []Track
	// Reset discards every track and restarts ID allocation.
	Reset()
	// Kind reports which backend is active.
	Kind() Kind
}

// State is a track's lifecycle stage.
type State string

const (
	StateTentative State = "tentative"
	StateConfirmed State = "confirmed"
)

// Track is an immutable snapshot of one live track.
type Track struct {
	ID   uint64
	UUID string
	Tag  string // tag of the most recent matched detection

	State    State
	Position r3.Vec
	Velocity r3.Vec

	// Orientation of the most recent matched detection that carried one.
	Orientation quat.Number

	Age       time.Duration // total predicted time since spawn
	SinceSeen time.Duration // predicted time since the last match
	Hits      int
	Misses    int

	History []r3.Vec // recent corrected positions, oldest first
}

// New returns an empty filter of the requested kind.
func New(kind Kind, cfg Config) (Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch kind {
	case KindEKF:
		return newTracker(kind, cfg, ekfBackend{cfg: cfg}), nil
	case KindUKF:
		return newTracker(kind, cfg, ukfBackend{cfg: cfg}), nil
	case KindParticle:
		if cfg.Particles <= 0 {
			return nil, fmt.Errorf("filter: particles must be positive, got %d", cfg.Particles)
		}
		return newTracker(kind, cfg, newParticleBackend(cfg)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
