// Command freqplot renders the cycle frequency of a recorded tracker run
// as a PNG, with the target frequency for reference.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/rasberry/tracking/internal/recorder"
)

var (
	dbPath = flag.String("db", "tracking.db", "Recorder database")
	runID  = flag.String("run", "", "Run id (default: latest run)")
	outPNG = flag.String("out", "frequency.png", "Output PNG path")
)

func main() {
	flag.Parse()

	rd, err := recorder.OpenReader(*dbPath)
	if err != nil {
		log.Fatalf("failed to open recording: %v", err)
	}
	defer rd.Close()

	ctx := context.Background()
	var run recorder.Run
	if *runID == "" {
		run, err = rd.Latest(ctx)
	} else {
		run, err = findRun(ctx, rd, *runID)
	}
	if err != nil {
		log.Fatalf("failed to select run: %v", err)
	}

	cycles, err := rd.Cycles(ctx, run.ID)
	if err != nil {
		log.Fatalf("failed to read cycles: %v", err)
	}
	pts := frequencies(cycles)
	if len(pts) == 0 {
		log.Fatalf("run %s has fewer than two cycles", run.ID)
	}

	s := summarise(pts)
	fmt.Fprintf(os.Stdout, "run %s: target %.2f Hz, mean %.2f Hz, stddev %.3f Hz, min %.2f Hz over %d cycles\n",
		run.ID, run.TargetHz, s.mean, s.stddev, s.min, len(pts))

	if err := render(run, pts, *outPNG); err != nil {
		log.Fatalf("failed to render: %v", err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *outPNG)
}

func findRun(ctx context.Context, rd *recorder.Reader, id string) (recorder.Run, error) {
	runs, err := rd.Runs(ctx)
	if err != nil {
		return recorder.Run{}, err
	}
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
	}
	return recorder.Run{}, fmt.Errorf("run %q not found", id)
}

// frequencies returns (cycle, Hz) for each pair of consecutive regular
// cycles. Reset publications are not cycles and are skipped.
func frequencies(cycles []recorder.Cycle) plotter.XYs {
	var (
		pts  plotter.XYs
		prev *recorder.Cycle
	)
	for i := range cycles {
		c := &cycles[i]
		if c.Reset {
			continue
		}
		if prev != nil {
			if dt := c.Stamp.Sub(prev.Stamp).Seconds(); dt > 0 {
				pts = append(pts, plotter.XY{X: float64(c.Cycle), Y: 1 / dt})
			}
		}
		prev = c
	}
	return pts
}

type summary struct {
	mean, stddev, min float64
}

func summarise(pts plotter.XYs) summary {
	ys := make([]float64, len(pts))
	s := summary{min: pts[0].Y}
	for i, p := range pts {
		ys[i] = p.Y
		s.min = min(s.min, p.Y)
	}
	s.mean, s.stddev = stat.MeanStdDev(ys, nil)
	return s
}

func render(run recorder.Run, pts plotter.XYs, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tracker frequency (%s, %s)", run.Filter, run.ID)
	p.X.Label.Text = "Cycle"
	p.Y.Label.Text = "Hz"

	measured, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	measured.Width = vg.Points(1)
	measured.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(measured)
	p.Legend.Add("measured", measured)

	target, err := plotter.NewLine(plotter.XYs{
		{X: pts[0].X, Y: run.TargetHz},
		{X: pts[len(pts)-1].X, Y: run.TargetHz},
	})
	if err != nil {
		return err
	}
	target.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	target.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	p.Add(target)
	p.Legend.Add("target", target)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}
