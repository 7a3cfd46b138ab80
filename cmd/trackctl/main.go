// Command trackctl talks to a running tracker over gRPC.
//
//	trackctl [-addr host:port] reset [reason]
//	trackctl [-addr host:port] health
//	trackctl [-addr host:port] watch [-n count]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rasberry/tracking/internal/config"
	"github.com/rasberry/tracking/internal/publish"
)

var (
	addr    = flag.String("addr", config.DefaultGRPCListen, "Tracker gRPC address")
	timeout = flag.Duration("timeout", 5*time.Second, "Timeout for reset and health")
)

var errDone = errors.New("done")

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] reset [reason] | health | watch [-n count]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	client, err := publish.NewClient(*addr)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, flag.Args(), os.Stdout); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, client *publish.Client, args []string, out io.Writer) error {
	switch args[0] {
	case "reset":
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "trackctl"
		}
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		if err := client.Reset(ctx, reason); err != nil {
			return err
		}
		fmt.Fprintf(out, "reset requested: %s\n", reason)
		return nil

	case "health":
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		h, err := client.Health(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, h)

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ContinueOnError)
		count := fs.Int("n", 0, "Stop after n outputs (0 = until interrupted)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		seen := 0
		err := client.Watch(ctx, func(msg map[string]any) error {
			if err := printJSON(out, msg); err != nil {
				return err
			}
			seen++
			if *count > 0 && seen >= *count {
				return errDone
			}
			return nil
		})
		if errors.Is(err, errDone) || errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
