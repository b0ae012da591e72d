//go:build linux

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/docopt/docopt-go"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/devheap"
	"github.com/vkngwrapper/devheap/internal/proc"
	"github.com/vkngwrapper/devheap/registry"
	"golang.org/x/exp/slog"
)

const usage = `Heap Check.
Usage:
  heap-check -h | --help
  heap-check [-c] [--json] [--verbose] [--segment=NAME] [--dir=DIR]
Options:
  -h --help        Show this screen.
  -c               Clean heaps of processes that no longer exist.
  --json           Format output as JSON instead of text.
  --verbose        Log every heap operation to stderr.
  --segment=NAME   Name of the shared memory segment holding the heaps.
  --dir=DIR        Directory holding the shared memory segment.`

type config struct {
	Clean   bool `docopt:"-c"`
	JSON    bool `docopt:"--json"`
	Verbose bool
	Segment string
	Dir     string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
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

	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	heaps, err := registry.OpenShared(registry.SharedOptions{
		Options:      registry.Options{Logger: logger},
		Segment:      cfg.Segment,
		Dir:          cfg.Dir,
		OpenExisting: true,
	})
	if errors.Is(err, registry.ErrNoHeaps) {
		fmt.Fprintln(stdout, "Device heaps do not exist")
		return 0
	} else if err != nil {
		fmt.Fprintln(stderr, "error opening heaps: ", err)
		return 1
	}
	defer heaps.Close()

	if err := check(cfg, heaps, logger, stdout); err != nil {
		fmt.Fprintln(stderr, "error: ", err)
		return 1
	}
	return 0
}

func check(cfg config, heaps *registry.Heaps, logger *slog.Logger, stdout io.Writer) error {
	configured := make([]*registry.Heap, 0, 3)
	for _, h := range heaps.All() {
		size, err := h.Size()
		if err != nil {
			return errors.Wrap(err, "could not read heap")
		}
		if size > 0 {
			configured = append(configured, h)
		}
	}

	if cfg.Clean {
		for _, h := range configured {
			freed, err := h.GarbageCollectDead(proc.Table{})
			if err != nil {
				return errors.Wrapf(err, "could not clean %s", h.Name())
			}
			logger.Info("Cleaned heap", slog.String("Heap", h.Name()), slog.Int("Freed", freed))
		}
	}

	var total devheap.DetailedStatistics
	total.Clear()
	if err := heaps.AddDetailedStatistics(&total); err != nil {
		return errors.Wrap(err, "could not total heaps")
	}

	if cfg.JSON {
		writer := jwriter.NewWriter()
		obj := writer.Object()

		arr := obj.Name("Heaps").Array()
		for _, h := range configured {
			if err := h.DumpJSON(&writer); err != nil {
				return errors.Wrapf(err, "could not dump %s", h.Name())
			}
		}
		arr.End()

		totalObj := obj.Name("Total").Object()
		total.PrintJson(totalObj)
		totalObj.End()
		obj.End()

		if err := writer.Error(); err != nil {
			return errors.Wrap(err, "could not encode heaps")
		}
		_, err := fmt.Fprintln(stdout, string(writer.Bytes()))
		return err
	}

	for _, h := range configured {
		if err := h.Dump(stdout); err != nil {
			return errors.Wrapf(err, "could not dump %s", h.Name())
		}
	}
	_, err := fmt.Fprintf(stdout, "Total: %s\n", total.String())
	return err
}
