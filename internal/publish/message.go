package publish

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rasberry/tracking/internal/frames"
	"github.com/rasberry/tracking/internal/tracking"
)

// Message is the transport-neutral form of an output. Vectors are [x, y, z]
// and quaternions [x, y, z, w]; durations are seconds. Every value is a
// type structpb accepts, so the same map feeds JSON and protobuf.
func Message(out tracking.Output) map[string]any {
	msg := map[string]any{
		"type":    "tracks",
		"cycle":   out.Cycle,
		"stamp":   out.Stamp.UTC().Format(time.RFC3339Nano),
		"frame":   out.Frame,
		"reset":   out.Reset,
		"applied": out.Applied,
		"tracks":  trackList(out.Tracks),
		"markers": markerArray(out.Markers),
	}
	if out.Reset {
		msg["reset_reason"] = out.ResetReason
	}
	if out.Primary != nil {
		msg["primary"] = trackMap(*out.Primary)
	}
	if len(out.Detections) > 0 {
		echoes := make([]any, len(out.Detections))
		for i, e := range out.Detections {
			echoes[i] = echoMap(e)
		}
		msg["detections"] = echoes
	}
	if len(out.Skipped) > 0 {
		skipped := make([]any, len(out.Skipped))
		for i, s := range out.Skipped {
			skipped[i] = s
		}
		msg["skipped"] = skipped
	}
	return msg
}

// ToStruct converts an output to a protobuf Struct.
func ToStruct(out tracking.Output) (*structpb.Struct, error) {
	return structpb.NewStruct(Message(out))
}

func trackList(tracks []tracking.TrackPose) []any {
	out := make([]any, len(tracks))
	for i, t := range tracks {
		out[i] = trackMap(t)
	}
	return out
}

func trackMap(t tracking.TrackPose) map[string]any {
	m := map[string]any{
		"id":           t.ID,
		"uuid":         t.UUID,
		"state":        t.State,
		"position":     vec(t.Position),
		"velocity":     vec(t.Velocity),
		"age_s":        t.Age.Seconds(),
		"since_seen_s": t.SinceSeen.Seconds(),
		"hits":         t.Hits,
		"misses":       t.Misses,
	}
	if t.Tag != "" {
		m["tag"] = t.Tag
	}
	if t.Orientation != (quat.Number{}) {
		m["orientation"] = xyzw(t.Orientation)
	}
	return m
}

func markerArray(a tracking.MarkerArray) map[string]any {
	return map[string]any{
		"seq":     a.Seq,
		"frame":   a.Frame,
		"clear":   a.Clear,
		"markers": markerList(a.Markers),
	}
}

func markerList(markers []tracking.Marker) []any {
	out := make([]any, len(markers))
	for i, mk := range markers {
		m := map[string]any{
			"id":        mk.ID,
			"position":  vec(mk.Position),
			"confirmed": mk.Confirmed,
		}
		if mk.Tag != "" {
			m["tag"] = mk.Tag
		}
		out[i] = m
	}
	return out
}

func echoMap(e tracking.DetectionEcho) map[string]any {
	m := map[string]any{
		"seq":     e.Seq,
		"source":  e.Source,
		"frame":   e.Frame,
		"stamp":   e.Stamp.UTC().Format(time.RFC3339Nano),
		"poses":   poseList(e.Poses),
		"markers": markerArray(e.Markers),
	}
	if e.Single != nil {
		m["single"] = poseMap(*e.Single)
	}
	return m
}

func poseList(poses []frames.Pose) []any {
	out := make([]any, len(poses))
	for i, p := range poses {
		out[i] = poseMap(p)
	}
	return out
}

func poseMap(p frames.Pose) map[string]any {
	m := map[string]any{"position": vec(p.Position)}
	if p.HasOrientation() {
		m["orientation"] = xyzw(p.Orientation)
	}
	return m
}

func vec(v r3.Vec) []any { return []any{v.X, v.Y, v.Z} }

func xyzw(q quat.Number) []any { return []any{q.Imag, q.Jmag, q.Kmag, q.Real} }
