//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/vkngwrapper/devheap/internal/proc"
	"github.com/vkngwrapper/devheap/registry"
	"golang.org/x/exp/slog"
)

const usage = `Device Heap Daemon.
Usage:
  heapd -h | --help
  heapd [--segment=NAME] [--dir=DIR] [--collect=INTERVAL] [--verbose]
Options:
  -h --help            Show this screen.
  --segment=NAME       Name of the shared memory segment holding the heaps.
  --dir=DIR            Directory holding the shared memory segment.
  --collect=INTERVAL   Free allocations of processes that no longer exist this often, e.g. 30s. [default: 0s]
  --verbose            Log every heap operation.`

type config struct {
	Segment string
	Dir     string
	Collect string
	Verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGABRT)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run creates the heaps and keeps them until ctx is done, then removes them
func run(ctx context.Context, argv []string, stderr io.Writer) int {
	opts, err := docopt.ParseArgs(usage, argv, "")
	if err != nil {
		fmt.Fprintln(stderr, "error: ", err)
		return 1
	}
	var cfg config
	if err := opts.Bind(&cfg); err != nil {
		fmt.Fprintln(stderr, "error: ", err)
		return 1
	}

	interval, err := time.ParseDuration(cfg.Collect)
	if err != nil {
		fmt.Fprintln(stderr, "error: --collect needs a duration such as 30s")
		return 1
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	options := registry.SharedOptions{
		Options: registry.Options{Logger: logger},
		Segment: cfg.Segment,
		Dir:     cfg.Dir,
	}

	if err := registry.CreateSegment(options); err != nil {
		logger.Error("Could not create heaps", slog.Any("Error", err))
		return 1
	}
	logger.Info("Started", slog.String("Segment", registry.SegmentPath(options)))

	if interval > 0 {
		err = collectUntilDone(ctx, logger, options, interval)
	} else {
		<-ctx.Done()
	}

	logger.Info("Graceful exit")
	if removeErr := registry.RemoveSegment(options); removeErr != nil {
		logger.Error("Could not remove heaps", slog.Any("Error", removeErr))
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}

func collectUntilDone(ctx context.Context, logger *slog.Logger, options registry.SharedOptions, interval time.Duration) error {
	options.OpenExisting = true
	heaps, err := registry.OpenShared(options)
	if err != nil {
		logger.Error("Could not open heaps", slog.Any("Error", err))
		return err
	}
	defer heaps.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			freed, err := heaps.GarbageCollectDead(proc.Table{})
			if err != nil {
				logger.Error("Could not collect heaps", slog.Any("Error", err))
				return err
			}
			if freed > 0 {
				logger.Info("Collected allocations of exited processes", slog.Int("Freed", freed))
			}
		}
	}
}
