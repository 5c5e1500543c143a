// Package pyramid builds a multi-resolution image pyramid from a stack of
// grayscale CT slices: repeated pair-averaging and 2x2 box-downsampling
// produces half-scale levels until a minimum thumbnail size (or input
// count) is reached.
package pyramid

import (
	"context"
	"fmt"
	"log"
)

// defaultMaxThumbnailSize is the level-termination threshold used when
// Options.MaxThumbnailSize is zero (spec §3).
const defaultMaxThumbnailSize = 500

// defaultMaxLevel caps runaway level generation when Options.MaxLevel is
// zero (spec §3's "whichever comes first" termination is expected to stop
// well before this in practice).
const defaultMaxLevel = 16

// Options configures a pyramid build.
type Options struct {
	MaxThumbnailSize  int  // level-termination threshold; 0 = use default (500)
	MaxLevel          int  // hard cap on level count; 0 = use default
	WorkerCount       int  // 0 = auto (DefaultWorkerCount)
	Mode              Mode // ModeAuto, ModeParallel, ModeSequential
	OverwriteExisting bool
	Compress          bool // deflate-compress output TIFFs; default true in NewOptions
	MinIndex          int  // inclusive input-index clamp; -1 = no clamp
	MaxIndex          int  // inclusive input-index clamp; -1 = no clamp
	UseManifest       bool // accelerate rescans via .thumbnail/manifest.json
	Verbose           bool
}

// NewOptions returns Options populated with spec-mandated defaults.
func NewOptions() Options {
	return Options{
		MaxThumbnailSize: defaultMaxThumbnailSize,
		MaxLevel:         defaultMaxLevel,
		Mode:             ModeAuto,
		Compress:         true,
		MinIndex:         -1,
		MaxIndex:         -1,
		UseManifest:      true,
	}
}

// outputIndexWidth is the zero-padded digit width used for every level's
// generated filenames (spec §6: fixed at 6, e.g. "000000.tif").
const outputIndexWidth = 6

// Build scans inputDir for a slice sequence, plans the pyramid levels, and
// executes them level by level (strict happens-before across levels, per
// spec §4.F/§4.G), reporting progress to sink. sink may be nil.
func Build(ctx context.Context, inputDir string, opts Options, sink ProgressSink) (Result, error) {
	if sink == nil {
		sink = noopSink{}
	}
	if opts.MaxThumbnailSize <= 0 {
		opts.MaxThumbnailSize = defaultMaxThumbnailSize
	}
	if opts.MaxLevel <= 0 {
		opts.MaxLevel = defaultMaxLevel
	}

	seq, fromManifest, err := scanWithManifest(inputDir, opts)
	if err != nil {
		return Result{Outcome: OutcomeFatal}, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	if opts.Verbose {
		if fromManifest {
			log.Printf("pyramid: reusing cached scan of %s (%d slices)", inputDir, len(seq.Files))
		} else {
			log.Printf("pyramid: scanned %s: %d slices, prefix=%q width=%d ext=%q", inputDir, len(seq.Files), seq.Prefix, seq.Width, seq.Ext)
		}
		for _, w := range seq.Warnings {
			log.Printf("pyramid: %s", w)
		}
	}

	seq = seq.Clamp(opts.MinIndex, opts.MaxIndex)

	plan, err := BuildPlan(seq, opts.MaxThumbnailSize, opts.MaxLevel, outputIndexWidth)
	if err != nil {
		return Result{Outcome: OutcomeFatal}, fmt.Errorf("%w: %w", ErrFatal, err)
	}

	workers := opts.WorkerCount
	if workers <= 0 {
		workers = DefaultWorkerCount(opts.Verbose)
	}
	mode := opts.Mode
	if mode == ModeAuto {
		mode = ModeParallel
		if workers <= 1 {
			mode = ModeSequential
		}
	}

	estimator := NewEstimator(plan.TotalWork)
	st := &buildState{
		inputDir:    inputDir,
		bitDepth:    plan.BitDepth,
		outputWidth: plan.OutputIndexWidth,
		compress:    opts.Compress,
		overwrite:   opts.OverwriteExisting,
		estimator:   estimator,
		sink:        sink,
	}

	sink.Started(len(plan.Levels), plan.TotalWork)

	result := Result{
		Outcome:       OutcomeOK,
		LevelsPlanned: len(plan.Levels),
		TasksPlanned:  int64(countTasks(plan)),
		Warnings:      seq.Warnings,
	}

	for _, lp := range plan.Levels {
		sink.LevelStarted(lp.Level, lp.Count, lp.Width, lp.Height)

		var completed int
		var failures []TaskFailure
		var fatal error
		if mode == ModeParallel {
			completed, failures, fatal = runLevelParallel(ctx, lp, workers, st)
		} else {
			completed, failures, fatal = runLevelSequential(ctx, lp, st)
		}

		result.Failures = append(result.Failures, failures...)
		result.TasksDone += int64(completed)
		sink.LevelCompleted(lp.Level, len(failures))

		if fatal != nil {
			result.Outcome = OutcomeFatal
			sink.Finished(result.Outcome)
			return result, fmt.Errorf("%w: %w", ErrFatal, fatal)
		}

		if ctx.Err() != nil {
			result.Outcome = OutcomeCancelled
			if opts.UseManifest {
				if err := saveManifest(inputDir, seq, plan); err != nil && opts.Verbose {
					log.Printf("pyramid: failed to write manifest: %v", err)
				}
			}
			sink.Finished(result.Outcome)
			return result, ErrCancelled
		}
		result.LevelsDone++
	}

	result.Outcome = classify(ctx, result.Failures, result.LevelsDone, result.LevelsPlanned)

	if opts.UseManifest && result.Outcome != OutcomeFatal {
		if err := saveManifest(inputDir, seq, plan); err != nil && opts.Verbose {
			log.Printf("pyramid: failed to write manifest: %v", err)
		}
	}

	sink.Finished(result.Outcome)
	return result, nil
}

func scanWithManifest(inputDir string, opts Options) (SliceSequence, bool, error) {
	if opts.UseManifest {
		if seq, ok := loadManifestSequence(inputDir); ok {
			return seq, true, nil
		}
	}
	seq, err := Scan(inputDir)
	return seq, false, err
}

func countTasks(plan *Plan) int {
	n := 0
	for _, lv := range plan.Levels {
		n += len(lv.Tasks)
	}
	return n
}
