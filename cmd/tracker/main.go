// Command tracker runs the multi-object tracking node: it subscribes to
// detection streams, fuses them at a fixed rate and publishes tracks over
// websocket and gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rasberry/tracking/internal/config"
	"github.com/rasberry/tracking/internal/monitoring"
	"github.com/rasberry/tracking/internal/timeutil"
	"github.com/rasberry/tracking/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to tracking config (.json or .toml); defaults apply when empty")
	logFormat  = flag.String("log-format", "console", "Log format: console or json")
	traceLogs  = flag.Bool("trace", false, "Enable per-cycle trace logging")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}
	setupLogging(os.Stderr, *logFormat, *traceLogs)

	cfg := config.EmptyTrackingConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTrackingConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	n, err := newNode(cfg, timeutil.RealClock{})
	if err != nil {
		log.Fatalf("failed to build tracker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.Diagf("[Tracker] %s starting: filter=%s frame=%s freq=%.1fHz detectors=%d",
		version.String(), cfg.GetFilter(), cfg.GetTargetFrame(), cfg.GetTrackerFrequency(), len(cfg.Detectors))
	if err := n.run(ctx); err != nil {
		log.Fatalf("tracker stopped: %v", err)
	}
	monitoring.Diagf("[Tracker] shut down cleanly")
}

func setupLogging(out io.Writer, format string, trace bool) {
	w := out
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lw := monitoring.LogWriters{Ops: w, Diag: w}
	if trace {
		lw.Trace = w
	}
	monitoring.SetLogWriters(lw)
}
