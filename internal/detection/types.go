// Package detection defines the canonical detection batch and the adapters
// that normalise each inbound message shape into it.
package detection

import (
	"time"

	"github.com/rasberry/tracking/internal/frames"
)

// Header identifies the frame and time a message was measured in.
type Header struct {
	Seq   uint64
	Stamp time.Time
	Frame string
}

// Detection is one observed object instance.
type Detection struct {
	Pose frames.Pose
	Tag  string

	// Confidence is meaningful only when Scored is set.
	Confidence float64
	Scored     bool
}

// Batch is the canonical form of one inbound message. A Batch is a value:
// once handed to the shared buffer its Detections slice is never written
// again, so producers and the tracking cycle may both hold it.
type Batch struct {
	Header
	Received time.Time // arrival time at the adapter
	Source   string
	UsesTags bool

	Detections []Detection
}

// Len returns the number of detections.
func (b Batch) Len() int { return len(b.Detections) }

// Clone returns a copy that shares no memory with b.
func (b Batch) Clone() Batch {
	out := b
	if b.Detections != nil {
		out.Detections = make([]Detection, len(b.Detections))
		copy(out.Detections, b.Detections)
	}
	return out
}

// WithFrame returns a copy of b with every pose mapped through tf and the
// header frame set to target. Tags are dropped when the source does not
// use them so they never influence association.
func (b Batch) WithFrame(target string, tf frames.Transform) Batch {
	out := b
	out.Frame = target
	out.Detections = make([]Detection, len(b.Detections))
	for i, d := range b.Detections {
		d.Pose = tf.Apply(d.Pose)
		if !b.UsesTags {
			d.Tag = ""
		}
		out.Detections[i] = d
	}
	return out
}

// DetectedObject is one entry of a generic detections message.
type DetectedObject struct {
	Pose       frames.Pose
	ClassName  string
	Confidence float64
}

// DetectionsMessage carries detections with per-item metadata.
type DetectionsMessage struct {
	Header  Header
	Objects []DetectedObject
}

// PoseArrayMessage carries plain poses with no per-item metadata.
type PoseArrayMessage struct {
	Header Header
	Poses  []frames.Pose
}

// TaggedPose is one entry of a tagged pose array.
type TaggedPose struct {
	Tag  string
	Pose frames.Pose
}

// TaggedPoseArrayMessage carries stamped poses that each have a tag.
type TaggedPoseArrayMessage struct {
	Header Header
	Poses  []TaggedPose
}
