package tracking

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/filter"
	"github.com/rasberry/tracking/internal/frames"
)

// TrackPose is the published form of one live track, in the target frame.
type TrackPose struct {
	ID          uint64        `json:"id"`
	UUID        string        `json:"uuid"`
	Tag         string        `json:"tag,omitempty"`
	State       string        `json:"state"`
	Position    r3.Vec        `json:"position"`
	Velocity    r3.Vec        `json:"velocity"`
	Orientation quat.Number   `json:"orientation"`
	Age         time.Duration `json:"age_ns"`
	SinceSeen   time.Duration `json:"since_seen_ns"`
	Hits        int           `json:"hits"`
	Misses      int           `json:"misses"`
}

// Marker is the visualisation of one track.
type Marker struct {
	ID        uint64 `json:"id"` // track id; detection index in an echo
	Position  r3.Vec `json:"position"`
	Tag       string `json:"tag,omitempty"`
	Confirmed bool   `json:"confirmed"`
}

// MarkerArray holds one marker per live track. Clear asks viewers to drop
// every marker they hold before drawing these.
type MarkerArray struct {
	Seq     uint64   `json:"seq"`
	Frame   string   `json:"frame"`
	Clear   bool     `json:"clear,omitempty"`
	Markers []Marker `json:"markers"`
}

// DetectionEcho republishes one source's detections after resolution into
// the target frame, as a pose array, its first pose, and one marker per
// detection.
type DetectionEcho struct {
	Seq     uint64        `json:"seq"`
	Source  string        `json:"source"`
	Frame   string        `json:"frame"`
	Stamp   time.Time     `json:"stamp"`
	Single  *frames.Pose  `json:"single,omitempty"`
	Poses   []frames.Pose `json:"poses"`
	Markers MarkerArray   `json:"markers"`
}

// Output is everything published by one cycle, or by an applied reset.
// Sinks receive it by value and must treat its slices as read-only.
type Output struct {
	Cycle       uint64    `json:"cycle"`
	Stamp       time.Time `json:"stamp"`
	Frame       string    `json:"frame"`
	Reset       bool      `json:"reset,omitempty"`
	ResetReason string    `json:"reset_reason,omitempty"`

	Primary *TrackPose  `json:"primary,omitempty"`
	Tracks  []TrackPose `json:"tracks"`
	Markers MarkerArray `json:"markers"`

	Detections []DetectionEcho `json:"detections,omitempty"`

	// Sources whose batch was dropped this cycle because its frame could
	// not be resolved.
	Skipped []string `json:"skipped,omitempty"`

	// Detections applied to the filter this cycle.
	Applied int `json:"applied"`
}

// Sink consumes published outputs. Publish is called from the scheduler
// goroutine and must not block for long.
type Sink interface {
	Publish(Output)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Output)

func (f SinkFunc) Publish(o Output) { f(o) }

func trackPoses(tracks []filter.Track) []TrackPose {
	out := make([]TrackPose, len(tracks))
	for i, t := range tracks {
		out[i] = TrackPose{
			ID:          t.ID,
			UUID:        t.UUID,
			Tag:         t.Tag,
			State:       string(t.State),
			Position:    t.Position,
			Velocity:    t.Velocity,
			Orientation: t.Orientation,
			Age:         t.Age,
			SinceSeen:   t.SinceSeen,
			Hits:        t.Hits,
			Misses:      t.Misses,
		}
	}
	return out
}

// primary returns the track nearest the target-frame origin, lowest id on
// ties, or nil when there are no tracks.
func primary(tracks []TrackPose) *TrackPose {
	best := -1
	bestDist := math.Inf(1)
	for i, t := range tracks {
		d := r3.Norm(t.Position)
		if d < bestDist || (d == bestDist && best >= 0 && t.ID < tracks[best].ID) {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return nil
	}
	p := tracks[best]
	return &p
}

func markers(tracks []TrackPose) []Marker {
	out := make([]Marker, len(tracks))
	for i, t := range tracks {
		out[i] = Marker{
			ID:        t.ID,
			Position:  t.Position,
			Tag:       t.Tag,
			Confirmed: t.State == string(filter.StateConfirmed),
		}
	}
	return out
}
