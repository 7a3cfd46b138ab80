package ingest

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/frames"
)

func TestDecode_TaggedPoseArrayFromRawMap(t *testing.T) {
	// Shaped the way a detector bridge would emit it.
	payload, err := cbor.Marshal(map[string]any{
		"header": map[string]any{"seq": 12, "stamp": 1767225600.25, "frame_id": "camera"},
		"poses": []any{
			map[string]any{"tag": "plant_A", "pose": map[string]any{
				"position":    []any{1.0, 2.0, 0.0},
				"orientation": []any{0.0, 0.0, 0.0, 1.0},
			}},
		},
	})
	require.NoError(t, err)

	msg, err := Decode(detection.ShapeTaggedPose, payload)
	require.NoError(t, err)
	m, ok := msg.(*detection.TaggedPoseArrayMessage)
	require.True(t, ok, "got %T", msg)

	assert.Equal(t, uint64(12), m.Header.Seq)
	assert.Equal(t, "camera", m.Header.Frame)
	assert.Equal(t, time.Unix(1767225600, 250_000_000).UTC(), m.Header.Stamp)
	require.Len(t, m.Poses, 1)
	assert.Equal(t, "plant_A", m.Poses[0].Tag)
	assert.Equal(t, r3.Vec{X: 1, Y: 2}, m.Poses[0].Pose.Position)
	assert.Equal(t, frames.FromXYZW(0, 0, 0, 1), m.Poses[0].Pose.Orientation)
}

func TestEncodeDecode_EachShape(t *testing.T) {
	h := detection.Header{Seq: 3, Frame: "laser"}
	pose := frames.Pose{Position: r3.Vec{X: 0.5, Y: -1, Z: 2}}

	msgs := map[detection.Shape]any{
		detection.ShapeDetections: &detection.DetectionsMessage{
			Header:  h,
			Objects: []detection.DetectedObject{{Pose: pose, ClassName: "person", Confidence: 0.75}},
		},
		detection.ShapePoseArray: &detection.PoseArrayMessage{Header: h, Poses: []frames.Pose{pose, pose}},
		detection.ShapeTaggedPose: &detection.TaggedPoseArrayMessage{
			Header: h,
			Poses:  []detection.TaggedPose{{Tag: "t", Pose: pose}},
		},
	}
	for shape, want := range msgs {
		t.Run(string(shape), func(t *testing.T) {
			payload, err := Encode(want)
			require.NoError(t, err)
			got, err := Decode(shape, payload)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_ZeroStampLeftForArrivalTime(t *testing.T) {
	payload, err := Encode(&detection.PoseArrayMessage{Poses: []frames.Pose{{}}})
	require.NoError(t, err)
	msg, err := Decode(detection.ShapePoseArray, payload)
	require.NoError(t, err)
	assert.True(t, msg.(*detection.PoseArrayMessage).Header.Stamp.IsZero())
}

func TestDecode_Rejects(t *testing.T) {
	short, err := cbor.Marshal(map[string]any{"poses": []any{map[string]any{"position": []any{1.0, 2.0}}}})
	require.NoError(t, err)
	_, err = Decode(detection.ShapePoseArray, short)
	assert.True(t, errors.Is(err, ErrMalformed))

	badQuat, err := cbor.Marshal(map[string]any{"poses": []any{map[string]any{
		"position": []any{1.0, 2.0, 3.0}, "orientation": []any{1.0},
	}}})
	require.NoError(t, err)
	_, err = Decode(detection.ShapePoseArray, badQuat)
	assert.True(t, errors.Is(err, ErrMalformed))

	for name, pose := range map[string]map[string]any{
		"nan position":    {"position": []any{1.0, math.NaN(), 0.0}},
		"inf position":    {"position": []any{math.Inf(1), 2.0, 0.0}},
		"nan orientation": {"position": []any{1.0, 2.0, 0.0}, "orientation": []any{0.0, 0.0, math.NaN(), 1.0}},
	} {
		payload, err := cbor.Marshal(map[string]any{"poses": []any{map[string]any{"tag": "plant_A", "pose": pose}}})
		require.NoError(t, err)
		_, err = Decode(detection.ShapeTaggedPose, payload)
		assert.True(t, errors.Is(err, ErrMalformed), name)
	}

	_, err = Decode(detection.ShapeDetections, []byte{0xff, 0x00})
	assert.Error(t, err)

	_, err = Decode(detection.Shape("cloud"), nil)
	assert.True(t, errors.Is(err, detection.ErrUnknownShape))

	_, err = Encode("nope")
	assert.Error(t, err)
}
