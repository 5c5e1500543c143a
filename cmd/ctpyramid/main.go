package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jikhanjung/ctpyramid/internal/pyramid"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		maxThumbnailSize int
		maxLevel         int
		workers          int
		modeFlag         string
		overwrite        bool
		compress         bool
		noManifest       bool
		minIndex         int
		maxIndex         int
		verbose          bool
		showVersion      bool
		cpuProfile       string
		memProfile       string
	)

	flag.IntVar(&maxThumbnailSize, "max-thumbnail-size", 500, "Stop generating levels once the smaller dimension is at or below this size")
	flag.IntVar(&maxLevel, "max-level", 0, "Hard cap on pyramid levels (0 = default)")
	flag.IntVar(&workers, "workers", 0, "Parallel workers per level (0 = auto, up to 8)")
	flag.StringVar(&modeFlag, "mode", "auto", "Scheduler: auto, parallel, sequential")
	flag.BoolVar(&overwrite, "overwrite", false, "Regenerate levels even if output files already exist")
	flag.BoolVar(&compress, "compress", true, "Write deflate-compressed TIFF output")
	flag.BoolVar(&noManifest, "no-manifest", false, "Disable the .thumbnail/manifest.json rescan cache")
	flag.IntVar(&minIndex, "min-index", -1, "Lowest input slice index to include (-1 = no clamp)")
	flag.IntVar(&maxIndex, "max-index", -1, "Highest input slice index to include (-1 = no clamp)")
	flag.BoolVar(&verbose, "verbose", false, "Verbose progress output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	flag.StringVar(&memProfile, "memprofile", "", "Write memory profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ctpyramid [flags] <input-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Build a multi-resolution thumbnail pyramid from a stack of grayscale CT slices.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("ctpyramid %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatalf("Creating CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("Starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
		if verbose {
			log.Printf("CPU profiling enabled -> %s", cpuProfile)
		}
	}

	if memProfile != "" {
		defer func() {
			f, err := os.Create(memProfile)
			if err != nil {
				log.Fatalf("Creating memory profile: %v", err)
			}
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatalf("Writing memory profile: %v", err)
			}
			if verbose {
				log.Printf("Memory profile written -> %s", memProfile)
			}
		}()
	}

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		os.Exit(1)
	}
	inputDir := args[0]

	mode, err := parseMode(modeFlag)
	if err != nil {
		log.Fatalf("Mode: %v", err)
	}

	opts := pyramid.NewOptions()
	opts.MaxThumbnailSize = maxThumbnailSize
	opts.MaxLevel = maxLevel
	opts.WorkerCount = workers
	opts.Mode = mode
	opts.OverwriteExisting = overwrite
	opts.Compress = compress
	opts.UseManifest = !noManifest
	opts.MinIndex = minIndex
	opts.MaxIndex = maxIndex
	opts.Verbose = verbose

	fmt.Printf("ctpyramid %s (commit %s, built %s)\n", version, commit, buildDate)
	fmt.Printf("  %-16s %s\n", "Input:", inputDir)
	fmt.Printf("  %-16s %d\n", "Max thumbnail:", maxThumbnailSize)
	fmt.Printf("  %-16s %s\n", "Mode:", modeFlag)
	if compress {
		fmt.Printf("  %-16s deflate\n", "Compression:")
	} else {
		fmt.Printf("  %-16s none\n", "Compression:")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			log.Print("Received interrupt, finishing in-flight work and stopping...")
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	start := time.Now()
	sink := newCLIProgressSink(verbose)
	result, err := pyramid.Build(ctx, inputDir, opts, sink)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil && result.Outcome == pyramid.OutcomeFatal {
		log.Fatalf("Build failed: %v", err)
	}

	for _, f := range result.Failures {
		log.Printf("level %d index %d: %v", f.Level, f.OutIndex, f.Err)
	}

	switch result.Outcome {
	case pyramid.OutcomeOK:
		fmt.Printf("Done: %d/%d levels, %d tasks, %v\n", result.LevelsDone, result.LevelsPlanned, result.TasksDone, elapsed)
	case pyramid.OutcomePartialSuccess:
		fmt.Printf("Done with %d failure(s): %d/%d levels, %d tasks, %v\n", len(result.Failures), result.LevelsDone, result.LevelsPlanned, result.TasksDone, elapsed)
		os.Exit(1)
	case pyramid.OutcomeCancelled:
		fmt.Printf("Cancelled after %d/%d levels, %d tasks, %v\n", result.LevelsDone, result.LevelsPlanned, result.TasksDone, elapsed)
		os.Exit(130)
	default:
		os.Exit(1)
	}
}

func parseMode(s string) (pyramid.Mode, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return pyramid.ModeAuto, nil
	case "parallel", "fast":
		return pyramid.ModeParallel, nil
	case "sequential", "safe":
		return pyramid.ModeSequential, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (supported: auto, parallel, sequential)", s)
	}
}

// cliProgressSink prints an in-place progress line per level, grounded on
// the teacher's terminal progress bar (internal/tile/progress.go) but
// adapted from a ticker-driven bar into a callback-driven one fed by
// pyramid.Build.
type cliProgressSink struct {
	verbose bool
	mu      sync.Mutex
	level   int
	count   int
	width   int
	height  int
}

func newCLIProgressSink(verbose bool) *cliProgressSink {
	return &cliProgressSink{verbose: verbose}
}

func (s *cliProgressSink) Started(totalLevels int, totalWork float64) {
	if s.verbose {
		log.Printf("Planned %d level(s), %.0f work units", totalLevels, totalWork)
	}
}

func (s *cliProgressSink) LevelStarted(level, count, width, height int) {
	s.mu.Lock()
	s.level, s.count, s.width, s.height = level, count, width, height
	s.mu.Unlock()
	fmt.Fprintf(os.Stderr, "Level %d: %d images -> %dx%d\n", level, count, width, height)
}

func (s *cliProgressSink) Progress(ev pyramid.ProgressEvent) {
	frac := 0.0
	if ev.TotalWork > 0 {
		frac = ev.CompletedWork / ev.TotalWork
	}
	eta := "estimating..."
	if ev.ETASeconds != nil {
		eta = time.Duration(*ev.ETASeconds * float64(time.Second)).Round(time.Second).String()
	}
	fmt.Fprintf(os.Stderr, "\r  level %d  %3.0f%%  eta %s\033[K", ev.CurrentLevel, frac*100, eta)
}

func (s *cliProgressSink) LevelCompleted(level, failures int) {
	fmt.Fprint(os.Stderr, "\n")
	if failures > 0 {
		log.Printf("Level %d completed with %d failure(s)", level, failures)
	}
}

func (s *cliProgressSink) Finished(outcome pyramid.Outcome) {
	if s.verbose {
		log.Printf("Build outcome: %s", outcome)
	}
}
