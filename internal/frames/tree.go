package frames

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnknownFrame is returned when a lookup names a frame the tree
	// has never seen.
	ErrUnknownFrame = errors.New("unknown frame")
	// ErrNoPath is returned when two known frames are not connected.
	ErrNoPath = errors.New("frames not connected")
	// ErrExtrapolation is returned when a dynamic edge is too far from the
	// requested timestamp.
	ErrExtrapolation = errors.New("transform lookup would extrapolate")
	// ErrCycle is returned by Set when an edge would create a loop.
	ErrCycle = errors.New("transform edge creates a cycle")
)

// Transformer resolves the transform that maps poses expressed in source
// into target at the given time.
type Transformer interface {
	Lookup(target, source string, stamp time.Time) (Transform, error)
}

type edge struct {
	parent string
	tf     Transform
	stamp  time.Time
	static bool
}

// Tree is a forest of frame edges. Static edges are valid at every time;
// dynamic edges are valid within Tolerance of their stamp.
type Tree struct {
	mu        sync.RWMutex
	edges     map[string]edge // keyed by child
	parents   map[string]int  // frames that appear as a parent
	tolerance time.Duration
}

// NewTree returns an empty tree. A non-positive tolerance accepts dynamic
// edges at any time.
func NewTree(tolerance time.Duration) *Tree {
	return &Tree{
		edges:     make(map[string]edge),
		parents:   make(map[string]int),
		tolerance: tolerance,
	}
}

// SetStatic records a time-invariant edge.
func (t *Tree) SetStatic(child, parent string, tf Transform) error {
	return t.set(child, edge{parent: parent, tf: tf, static: true})
}

// Set records or replaces the latest dynamic edge from child to parent.
func (t *Tree) Set(child, parent string, tf Transform, stamp time.Time) error {
	return t.set(child, edge{parent: parent, tf: tf, stamp: stamp})
}

func (t *Tree) set(child string, e edge) error {
	if child == "" || e.parent == "" {
		return fmt.Errorf("frames: empty frame name (child=%q parent=%q)", child, e.parent)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for f := e.parent; ; {
		if f == child {
			return fmt.Errorf("%w: %s -> %s", ErrCycle, child, e.parent)
		}
		next, ok := t.edges[f]
		if !ok {
			break
		}
		f = next.parent
	}

	if old, ok := t.edges[child]; ok {
		t.parents[old.parent]--
		if t.parents[old.parent] == 0 {
			delete(t.parents, old.parent)
		}
	}
	t.edges[child] = e
	t.parents[e.parent]++
	return nil
}

// Frames returns the number of distinct frames known to the tree.
func (t *Tree) Frames() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.edges)+len(t.parents))
	for c := range t.edges {
		seen[c] = struct{}{}
	}
	for p := range t.parents {
		seen[p] = struct{}{}
	}
	return len(seen)
}

func (t *Tree) known(frame string) bool {
	if _, ok := t.edges[frame]; ok {
		return true
	}
	_, ok := t.parents[frame]
	return ok
}

// Lookup returns the transform mapping source coordinates into target.
func (t *Tree) Lookup(target, source string, stamp time.Time) (Transform, error) {
	if target == source {
		return Identity(), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, f := range []string{target, source} {
		if !t.known(f) {
			return Transform{}, fmt.Errorf("%w: %q", ErrUnknownFrame, f)
		}
	}

	// depth of every ancestor of source, source itself at 0
	srcDepth := map[string]int{source: 0}
	for f, d := source, 0; ; d++ {
		e, ok := t.edges[f]
		if !ok {
			break
		}
		f = e.parent
		srcDepth[f] = d + 1
	}

	common := ""
	for f := target; ; {
		if _, ok := srcDepth[f]; ok {
			common = f
			break
		}
		e, ok := t.edges[f]
		if !ok {
			break
		}
		f = e.parent
	}
	if common == "" {
		return Transform{}, fmt.Errorf("%w: %q and %q", ErrNoPath, source, target)
	}

	srcToCommon, err := t.chain(source, common, stamp)
	if err != nil {
		return Transform{}, err
	}
	tgtToCommon, err := t.chain(target, common, stamp)
	if err != nil {
		return Transform{}, err
	}
	return tgtToCommon.Inverse().Compose(srcToCommon), nil
}

// chain composes the edges from frame up to ancestor.
func (t *Tree) chain(frame, ancestor string, stamp time.Time) (Transform, error) {
	acc := Identity()
	for f := frame; f != ancestor; {
		e := t.edges[f]
		if !e.static && t.tolerance > 0 && !stamp.IsZero() {
			gap := stamp.Sub(e.stamp)
			if gap < 0 {
				gap = -gap
			}
			if gap > t.tolerance {
				return Transform{}, fmt.Errorf("%w: %s -> %s is %v from requested time",
					ErrExtrapolation, f, e.parent, gap)
			}
		}
		acc = e.tf.Compose(acc)
		f = e.parent
	}
	return acc, nil
}
