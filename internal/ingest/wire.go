// Package ingest receives detection messages from ZeroMQ and hands them to
// detection adapters. Payloads are CBOR maps, one layout per shape.
package ingest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/frames"
)

// ErrMalformed wraps payloads that decode but violate the layout.
var ErrMalformed = errors.New("malformed detection payload")

type wireHeader struct {
	Seq   uint64  `cbor:"seq"`
	Stamp float64 `cbor:"stamp"` // unix seconds; 0 means "use arrival time"
	Frame string  `cbor:"frame_id"`
}

type wirePose struct {
	Position    []float64 `cbor:"position"`              // x, y, z
	Orientation []float64 `cbor:"orientation,omitempty"` // x, y, z, w
}

type wireObject struct {
	Pose       wirePose `cbor:"pose"`
	ClassName  string   `cbor:"class_name,omitempty"`
	Confidence float64  `cbor:"confidence"`
}

type wireDetections struct {
	Header  wireHeader   `cbor:"header"`
	Objects []wireObject `cbor:"objects"`
}

type wirePoseArray struct {
	Header wireHeader `cbor:"header"`
	Poses  []wirePose `cbor:"poses"`
}

type wireTaggedPose struct {
	Tag  string   `cbor:"tag"`
	Pose wirePose `cbor:"pose"`
}

type wireTaggedPoseArray struct {
	Header wireHeader       `cbor:"header"`
	Poses  []wireTaggedPose `cbor:"poses"`
}

var decMode, _ = cbor.DecOptions{
	MaxArrayElements: 1 << 16,
	MaxMapPairs:      1 << 16,
}.DecMode()

// Decode parses a CBOR payload of the given shape into the matching
// detection message pointer.
func Decode(shape detection.Shape, payload []byte) (any, error) {
	switch shape {
	case detection.ShapeDetections:
		var w wireDetections
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", shape, err)
		}
		msg := &detection.DetectionsMessage{Header: w.Header.header(), Objects: make([]detection.DetectedObject, len(w.Objects))}
		for i, o := range w.Objects {
			p, err := o.Pose.pose()
			if err != nil {
				return nil, fmt.Errorf("objects[%d]: %w", i, err)
			}
			msg.Objects[i] = detection.DetectedObject{Pose: p, ClassName: o.ClassName, Confidence: o.Confidence}
		}
		return msg, nil

	case detection.ShapePoseArray:
		var w wirePoseArray
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", shape, err)
		}
		msg := &detection.PoseArrayMessage{Header: w.Header.header(), Poses: make([]frames.Pose, len(w.Poses))}
		for i, wp := range w.Poses {
			p, err := wp.pose()
			if err != nil {
				return nil, fmt.Errorf("poses[%d]: %w", i, err)
			}
			msg.Poses[i] = p
		}
		return msg, nil

	case detection.ShapeTaggedPose:
		var w wireTaggedPoseArray
		if err := decMode.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", shape, err)
		}
		msg := &detection.TaggedPoseArrayMessage{Header: w.Header.header(), Poses: make([]detection.TaggedPose, len(w.Poses))}
		for i, tp := range w.Poses {
			p, err := tp.Pose.pose()
			if err != nil {
				return nil, fmt.Errorf("poses[%d]: %w", i, err)
			}
			msg.Poses[i] = detection.TaggedPose{Tag: tp.Tag, Pose: p}
		}
		return msg, nil
	}
	return nil, fmt.Errorf("%w: %q", detection.ErrUnknownShape, shape)
}

// Encode is the inverse of Decode. It accepts the same message pointers
// Decode returns.
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *detection.DetectionsMessage:
		w := wireDetections{Header: toWireHeader(m.Header), Objects: make([]wireObject, len(m.Objects))}
		for i, o := range m.Objects {
			w.Objects[i] = wireObject{Pose: toWirePose(o.Pose), ClassName: o.ClassName, Confidence: o.Confidence}
		}
		return cbor.Marshal(w)
	case *detection.PoseArrayMessage:
		w := wirePoseArray{Header: toWireHeader(m.Header), Poses: make([]wirePose, len(m.Poses))}
		for i, p := range m.Poses {
			w.Poses[i] = toWirePose(p)
		}
		return cbor.Marshal(w)
	case *detection.TaggedPoseArrayMessage:
		w := wireTaggedPoseArray{Header: toWireHeader(m.Header), Poses: make([]wireTaggedPose, len(m.Poses))}
		for i, p := range m.Poses {
			w.Poses[i] = wireTaggedPose{Tag: p.Tag, Pose: toWirePose(p.Pose)}
		}
		return cbor.Marshal(w)
	}
	return nil, fmt.Errorf("ingest: cannot encode %T", msg)
}

func (h wireHeader) header() detection.Header {
	out := detection.Header{Seq: h.Seq, Frame: h.Frame}
	if h.Stamp > 0 {
		sec, frac := math.Modf(h.Stamp)
		out.Stamp = time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	}
	return out
}

func toWireHeader(h detection.Header) wireHeader {
	w := wireHeader{Seq: h.Seq, Frame: h.Frame}
	if !h.Stamp.IsZero() {
		w.Stamp = float64(h.Stamp.UnixNano()) / 1e9
	}
	return w
}

func (p wirePose) pose() (frames.Pose, error) {
	if len(p.Position) != 3 {
		return frames.Pose{}, fmt.Errorf("%w: position has %d components, want 3", ErrMalformed, len(p.Position))
	}
	if !finite(p.Position) || !finite(p.Orientation) {
		return frames.Pose{}, fmt.Errorf("%w: non-finite pose component", ErrMalformed)
	}
	out := frames.Pose{Position: r3.Vec{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]}}
	switch len(p.Orientation) {
	case 0:
	case 4:
		out.Orientation = frames.FromXYZW(p.Orientation[0], p.Orientation[1], p.Orientation[2], p.Orientation[3])
	default:
		return frames.Pose{}, fmt.Errorf("%w: orientation has %d components, want 4", ErrMalformed, len(p.Orientation))
	}
	return out, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func toWirePose(p frames.Pose) wirePose {
	w := wirePose{Position: []float64{p.Position.X, p.Position.Y, p.Position.Z}}
	if p.HasOrientation() {
		q := p.Orientation
		w.Orientation = []float64{q.Imag, q.Jmag, q.Kmag, q.Real}
	}
	return w
}
