package detection

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/timeutil"
)

// Shape names one of the inbound message layouts.
type Shape string

const (
	ShapeDetections Shape = "detections"
	ShapePoseArray  Shape = "pose_array"
	ShapeTaggedPose Shape = "tagged_pose_array"
)

var (
	// ErrUnknownShape is returned by ParseShape.
	ErrUnknownShape = errors.New("unknown detection shape")
	// ErrShapeMismatch is returned when an adapter receives a message of
	// a shape other than the one it was bound to.
	ErrShapeMismatch = errors.New("message does not match adapter shape")
)

// ParseShape maps a configuration string onto a Shape.
func ParseShape(s string) (Shape, error) {
	switch Shape(strings.ToLower(strings.TrimSpace(s))) {
	case ShapeDetections:
		return ShapeDetections, nil
	case ShapePoseArray:
		return ShapePoseArray, nil
	case ShapeTaggedPose:
		return ShapeTaggedPose, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownShape, s)
}

// Sink receives normalised batches. The shared buffer implements it.
type Sink interface {
	Put(Batch) (replaced bool)
}

// Adapter converts messages from one named source, of one fixed shape,
// into Batches and hands them to a Sink. Handle is safe for concurrent use.
type Adapter struct {
	source  string
	shape   Shape
	useTags bool
	clock   timeutil.Clock
	sink    Sink

	received atomic.Uint64
}

// NewAdapter binds an adapter to a source and shape. Plain pose arrays
// carry no tags, so useTags is forced off for them.
func NewAdapter(source string, shape Shape, useTags bool, clock timeutil.Clock, sink Sink) (*Adapter, error) {
	if source == "" {
		return nil, errors.New("detection: adapter source name is empty")
	}
	if _, err := ParseShape(string(shape)); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("detection: adapter sink is nil")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if shape == ShapePoseArray && useTags {
		monitoring.Diagf("[Adapter] %s: pose_array sources carry no tags, ignoring use_tags", source)
		useTags = false
	}
	return &Adapter{source: source, shape: shape, useTags: useTags, clock: clock, sink: sink}, nil
}

// Source returns the bound source name.
func (a *Adapter) Source() string { return a.source }

// Shape returns the bound message shape.
func (a *Adapter) Shape() Shape { return a.shape }

// UsesTags reports whether batches from this adapter carry meaningful tags.
func (a *Adapter) UsesTags() bool { return a.useTags }

// Received returns the number of messages accepted so far.
func (a *Adapter) Received() uint64 { return a.received.Load() }

// Handle normalises msg and publishes it. msg must be a pointer to the
// message type matching the adapter's shape.
func (a *Adapter) Handle(msg any) error {
	var b Batch
	switch m := msg.(type) {
	case *DetectionsMessage:
		if a.shape != ShapeDetections {
			return a.mismatch(msg)
		}
		b = a.fromDetections(m)
	case *PoseArrayMessage:
		if a.shape != ShapePoseArray {
			return a.mismatch(msg)
		}
		b = a.fromPoseArray(m)
	case *TaggedPoseArrayMessage:
		if a.shape != ShapeTaggedPose {
			return a.mismatch(msg)
		}
		b = a.fromTaggedPoses(m)
	default:
		return a.mismatch(msg)
	}

	a.received.Add(1)
	if replaced := a.sink.Put(b); replaced {
		monitoring.Tracef("[Adapter] %s: replaced unread batch", a.source)
	}
	monitoring.Tracef("[Adapter] %s: %d detections in %q", a.source, b.Len(), b.Frame)
	return nil
}

func (a *Adapter) mismatch(msg any) error {
	return fmt.Errorf("%w: source %s expects %s, got %T", ErrShapeMismatch, a.source, a.shape, msg)
}

func (a *Adapter) newBatch(h Header, n int) Batch {
	now := a.clock.Now()
	if h.Stamp.IsZero() {
		h.Stamp = now
	}
	return Batch{
		Header:     h,
		Received:   now,
		Source:     a.source,
		UsesTags:   a.useTags,
		Detections: make([]Detection, 0, n),
	}
}

func (a *Adapter) fromDetections(m *DetectionsMessage) Batch {
	b := a.newBatch(m.Header, len(m.Objects))
	for _, o := range m.Objects {
		d := Detection{Pose: o.Pose, Confidence: o.Confidence, Scored: true}
		if a.useTags {
			d.Tag = o.ClassName
		}
		b.Detections = append(b.Detections, d)
	}
	return b
}

func (a *Adapter) fromPoseArray(m *PoseArrayMessage) Batch {
	b := a.newBatch(m.Header, len(m.Poses))
	for _, p := range m.Poses {
		b.Detections = append(b.Detections, Detection{Pose: p})
	}
	return b
}

func (a *Adapter) fromTaggedPoses(m *TaggedPoseArrayMessage) Batch {
	b := a.newBatch(m.Header, len(m.Poses))
	for _, p := range m.Poses {
		d := Detection{Pose: p.Pose}
		if a.useTags {
			d.Tag = p.Tag
		}
		b.Detections = append(b.Detections, d)
	}
	return b
}
