// Command detsim publishes synthetic detections of targets moving on
// circles, for exercising a tracker without cameras.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os/signal"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/frames"
	"github.com/rasberry/tracking/internal/ingest"
	"github.com/rasberry/tracking/internal/monitoring"
)

var (
	endpoint = flag.String("endpoint", "tcp://127.0.0.1:5556", "PUB bind endpoint")
	topic    = flag.String("topic", "detections", "Topic frame")
	shapeArg = flag.String("shape", "tagged_pose_array", "Message shape: detections, pose_array or tagged_pose_array")
	frame    = flag.String("frame", "camera", "Frame id stamped on messages")
	rate     = flag.Float64("rate", 5, "Messages per second")
	targets  = flag.Int("targets", 2, "Number of simulated targets")
	radius   = flag.Float64("radius", 1.5, "Circle radius in metres")
	noise    = flag.Float64("noise", 0.02, "Position noise standard deviation in metres")
	dropout  = flag.Float64("dropout", 0, "Probability that a target is missed in a message")
	seed     = flag.Uint64("seed", 1, "Random seed")
)

// scene is a set of targets on concentric circles.
type scene struct {
	targets int
	radius  float64
	noise   float64
	dropout float64
	rng     *rand.Rand
}

type sighting struct {
	tag string
	pos r3.Vec
}

// at returns the noisy sightings at elapsed seconds t.
func (s *scene) at(t float64) []sighting {
	out := make([]sighting, 0, s.targets)
	for i := 0; i < s.targets; i++ {
		if s.dropout > 0 && s.rng.Float64() < s.dropout {
			continue
		}
		r := s.radius * float64(i+1)
		w := 0.2 / float64(i+1) // rad/s
		phase := 2 * math.Pi * float64(i) / float64(s.targets)
		pos := r3.Vec{
			X: r*math.Cos(w*t+phase) + s.rng.NormFloat64()*s.noise,
			Y: r*math.Sin(w*t+phase) + s.rng.NormFloat64()*s.noise,
			Z: s.rng.NormFloat64() * s.noise,
		}
		out = append(out, sighting{tag: fmt.Sprintf("target_%d", i), pos: pos})
	}
	return out
}

// message builds one message of the given shape.
func message(shape detection.Shape, h detection.Header, sightings []sighting) any {
	switch shape {
	case detection.ShapeDetections:
		m := &detection.DetectionsMessage{Header: h}
		for _, s := range sightings {
			m.Objects = append(m.Objects, detection.DetectedObject{
				Pose:       frames.Pose{Position: s.pos},
				ClassName:  s.tag,
				Confidence: 0.9,
			})
		}
		return m
	case detection.ShapePoseArray:
		m := &detection.PoseArrayMessage{Header: h}
		for _, s := range sightings {
			m.Poses = append(m.Poses, frames.Pose{Position: s.pos})
		}
		return m
	default:
		m := &detection.TaggedPoseArrayMessage{Header: h}
		for _, s := range sightings {
			m.Poses = append(m.Poses, detection.TaggedPose{Tag: s.tag, Pose: frames.Pose{Position: s.pos}})
		}
		return m
	}
}

func main() {
	flag.Parse()
	monitoring.SetLegacyLogger(log.Writer())

	shape, err := detection.ParseShape(*shapeArg)
	if err != nil {
		log.Fatalf("invalid shape: %v", err)
	}
	if !(*rate > 0) {
		log.Fatal("rate must be positive")
	}
	pub, err := ingest.NewPublisher(*endpoint)
	if err != nil {
		log.Fatalf("failed to bind: %v", err)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := &scene{
		targets: *targets,
		radius:  *radius,
		noise:   *noise,
		dropout: *dropout,
		rng:     rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)),
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer ticker.Stop()

	start := time.Now()
	var seq uint64
	log.Printf("publishing %d %s targets on %s at %.1f Hz", *targets, shape, *endpoint, *rate)
	for {
		select {
		case <-ctx.Done():
			log.Printf("sent %d messages", seq)
			return
		case now := <-ticker.C:
			seq++
			h := detection.Header{Seq: seq, Stamp: now, Frame: *frame}
			if err := pub.Send(*topic, message(shape, h, sc.at(now.Sub(start).Seconds()))); err != nil {
				log.Printf("send %d: %v", seq, err)
			}
		}
	}
}
