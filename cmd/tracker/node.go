package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/rasberry/tracking/internal/buffer"
	"github.com/rasberry/tracking/internal/config"
	"github.com/rasberry/tracking/internal/detection"
	"github.com/rasberry/tracking/internal/filter"
	"github.com/rasberry/tracking/internal/frames"
	"github.com/rasberry/tracking/internal/ingest"
	"github.com/rasberry/tracking/internal/monitor"
	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/publish"
	"github.com/rasberry/tracking/internal/recorder"
	"github.com/rasberry/tracking/internal/timeutil"
	"github.com/rasberry/tracking/internal/tracking"
)

// node is one assembled tracker.
type node struct {
	cfg         *config.TrackingConfig
	sched       *tracking.Scheduler
	subscribers []*ingest.Subscriber
	ws          *publish.Broadcaster
	grpc        *publish.GRPCServer
	rec         *recorder.Recorder
	http        *monitor.Server
}

// buildTree loads the configured static frames.
func buildTree(cfg *config.TrackingConfig) (*frames.Tree, error) {
	tree := frames.NewTree(cfg.GetTransformTolerance())
	for _, f := range cfg.Frames {
		rot := frames.FromXYZW(f.Rotation[0], f.Rotation[1], f.Rotation[2], f.Rotation[3])
		if f.Rotation == [4]float64{} {
			rot = quat.Number{Real: 1}
		}
		tf := frames.Transform{
			Translation: r3.Vec{X: f.Translation[0], Y: f.Translation[1], Z: f.Translation[2]},
			Rotation:    rot,
		}
		if err := tree.SetStatic(f.Child, f.Parent, tf); err != nil {
			return nil, fmt.Errorf("frame %s -> %s: %w", f.Child, f.Parent, err)
		}
	}
	return tree, nil
}

func newNode(cfg *config.TrackingConfig, clock timeutil.Clock) (*node, error) {
	kind, err := filter.ParseKind(cfg.GetFilter())
	if err != nil {
		return nil, err
	}
	fcfg, err := filter.ConfigFromTracking(cfg)
	if err != nil {
		return nil, err
	}
	flt, err := filter.New(kind, fcfg)
	if err != nil {
		return nil, err
	}
	tree, err := buildTree(cfg)
	if err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, ws: publish.NewBroadcaster(publish.DefaultClientBuffer)}
	buf := buffer.New()
	for _, d := range cfg.Detectors {
		shape, err := detection.ParseShape(d.Shape)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", d.Name, err)
		}
		adapter, err := detection.NewAdapter(d.Name, shape, d.GetUseTags(), clock, buf)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", d.Name, err)
		}
		sub, err := ingest.NewSubscriber(d.Name, d.Endpoint, d.Topic, shape, adapter)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", d.Name, err)
		}
		n.subscribers = append(n.subscribers, sub)
	}

	sinks := []tracking.Sink{n.ws}
	if path := cfg.GetRecorderDB(); path != "" {
		n.rec, err = recorder.Open(path, recorder.RunInfo{
			Filter:      string(kind),
			TargetFrame: cfg.GetTargetFrame(),
			TargetHz:    cfg.GetTrackerFrequency(),
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n.rec)
	}

	n.sched, err = tracking.NewScheduler(tracking.Config{
		Clock:             clock,
		Filter:            flt,
		Buffer:            buf,
		Transformer:       tree,
		TargetFrame:       cfg.GetTargetFrame(),
		Frequency:         cfg.GetTrackerFrequency(),
		Sinks:             sinks,
		PublishDetections: cfg.GetPublishDetections(),
	})
	if err != nil {
		n.close()
		return nil, err
	}

	if cfg.GetGRPCListen() != "" {
		n.grpc, err = publish.NewGRPCServer(n.sched, publish.DefaultClientBuffer)
		if err != nil {
			n.close()
			return nil, err
		}
		n.sched.AddSink(n.grpc)
	}
	if cfg.GetHTTPListen() != "" {
		n.http = monitor.NewServer(n.sched, n.ws)
	}
	return n, nil
}

// run starts every component and blocks until ctx is cancelled and they
// have all stopped.
func (n *node) run(ctx context.Context) error {
	defer n.close()

	if n.grpc != nil {
		if _, err := n.grpc.Listen(n.cfg.GetGRPCListen()); err != nil {
			return err
		}
		defer n.grpc.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		once sync.Once
		ferr error
	)
	// The first component to fail stops the others.
	fail := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		once.Do(func() {
			ferr = fmt.Errorf("%s: %w", name, err)
			cancel()
		})
	}
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(name, fn(ctx))
		}()
	}

	// The recorder stops after the scheduler so the final cycle is stored.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	recDone := make(chan struct{})
	if n.rec != nil {
		go func() {
			defer close(recDone)
			fail("recorder", n.rec.Run(recCtx))
		}()
	} else {
		close(recDone)
	}
	for _, sub := range n.subscribers {
		start("subscriber", sub.Run)
	}
	if n.http != nil {
		start("http", func(ctx context.Context) error {
			return n.http.ListenAndServe(ctx, n.cfg.GetHTTPListen())
		})
	}
	start("scheduler", n.sched.Run)

	<-ctx.Done()
	n.ws.Close()
	wg.Wait()
	stopRecorder()
	<-recDone
	return ferr
}

func (n *node) close() {
	if n.rec != nil {
		if err := n.rec.Close(); err != nil {
			monitoring.Opsf("[Tracker] close recorder: %v", err)
		}
	}
}
