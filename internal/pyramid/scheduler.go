package pyramid

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jikhanjung/ctpyramid/internal/pathsafe"
	"github.com/jikhanjung/ctpyramid/internal/slice"
)

// Mode selects how a build schedules its tasks.
type Mode int

const (
	// ModeAuto picks ModeParallel when WorkerCount > 1, ModeSequential
	// otherwise.
	ModeAuto Mode = iota
	// ModeParallel runs each level's tasks across a bounded worker pool
	// (spec §4.F, "fast path").
	ModeParallel
	// ModeSequential runs each level's tasks one at a time in index
	// order, byte-identical to ModeParallel's output (spec §4.G, "safe
	// path").
	ModeSequential
)

// gracePeriod bounds how long a cancelled parallel build waits for
// in-flight tasks to finish their atomic write before returning (spec
// §4.F/§7).
const gracePeriod = 2 * time.Second

// buildState is the shared, mutable context threaded through task
// execution: output naming, compression choice, overwrite policy,
// progress reporting, and the cancellation signal. inputDir is the sole
// containment root: every read and write a task performs is validated
// against it directly, never against an intermediate level directory.
type buildState struct {
	inputDir    string
	bitDepth    slice.BitDepth
	outputWidth int
	compress    bool
	overwrite   bool
	estimator   *Estimator
	sink        ProgressSink
}

// isFatalTaskError reports whether a task-level error should abort the
// whole build (spec §7: PathEscape and InvalidName are always Fatal, never
// folded into a level's per-task failure count).
func isFatalTaskError(err error) bool {
	return errors.Is(err, pathsafe.ErrPathEscape) || errors.Is(err, pathsafe.ErrInvalidName)
}

// runLevelParallel bounds concurrency with a weighted semaphore rather
// than a fixed pool of long-lived worker goroutines: one goroutine per
// task, each acquiring a slot before running and releasing it on exit.
// This lets a cancelled context unblock any goroutine still waiting on
// Acquire immediately, instead of leaving it parked on an unbuffered job
// channel that nothing will ever send to again. A fatal error from one
// task cancels an internal child context so the rest of the level stops
// launching new work without disturbing the caller's own context.
func runLevelParallel(ctx context.Context, lp LevelPlan, workers int, st *buildState) (completed int, failures []TaskFailure, fatal error) {
	if workers < 1 {
		workers = 1
	}
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(workers))
	var mu sync.Mutex
	var wg sync.WaitGroup

feed:
	for _, t := range lp.Tasks {
		if err := sem.Acquire(innerCtx, 1); err != nil {
			break feed // context cancelled while waiting for a slot
		}
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer sem.Release(1)

			err := executeTask(innerCtx, t, st)
			mu.Lock()
			switch {
			case err == nil:
				completed++
			case isFatalTaskError(err):
				if fatal == nil {
					fatal = err
				}
				cancel()
			case ctx.Err() == nil:
				failures = append(failures, TaskFailure{Level: t.Level, OutIndex: t.OutIndex, SrcA: t.SrcA, SrcB: t.SrcB, Err: err})
			}
			mu.Unlock()
		}(t)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-innerCtx.Done():
		select {
		case <-done:
		case <-time.After(gracePeriod):
		}
	}

	return completed, failures, fatal
}

func runLevelSequential(ctx context.Context, lp LevelPlan, st *buildState) (completed int, failures []TaskFailure, fatal error) {
	for _, t := range lp.Tasks {
		if ctx.Err() != nil {
			break
		}
		err := executeTask(ctx, t, st)
		switch {
		case err == nil:
			completed++
		case isFatalTaskError(err):
			fatal = err
		case ctx.Err() == nil:
			failures = append(failures, TaskFailure{Level: t.Level, OutIndex: t.OutIndex, SrcA: t.SrcA, SrcB: t.SrcB, Err: err})
		default:
			// cancelled mid-task: neither a completion nor a task-level failure
		}
		if fatal != nil {
			break
		}
	}
	return completed, failures, fatal
}

// executeTask runs one pair-averaging-and-downsample unit of work end to
// end: load, downsample, write via a temp file, rename into place (spec
// §4.F step "atomic write"). If the destination already exists and
// overwrite is disabled, the task is skipped (spec §3 Lifecycle: rerunning
// a build reuses present files). Every path touched is validated against
// st.inputDir, the build's single containment root, so a symlink planted
// at any level directory is caught here rather than silently followed.
func executeTask(ctx context.Context, t Task, st *buildState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := fmt.Sprintf("%0*d.tif", st.outputWidth, t.OutIndex)
	finalPath, err := pathsafe.SafeJoin(st.inputDir, ".thumbnail", strconv.Itoa(t.Level), name)
	if err != nil {
		return err
	}
	destDir := filepath.Dir(finalPath)

	if !st.overwrite {
		if _, err := os.Stat(finalPath); err == nil {
			st.advance(t.Weight, t.Level, t.OutIndex)
			return nil
		}
	}

	a, err := slice.LoadGray(t.SrcA)
	if err != nil {
		return err
	}

	var b image.Image
	if t.SrcB != "" {
		b, err = slice.LoadGray(t.SrcB)
		if err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := DownsamplePairPooled(a, b, st.bitDepth)
	if err != nil {
		return err
	}
	defer putGray(out)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", slice.ErrIO, destDir, err)
	}

	tmpPath := finalPath + ".tmp"
	if err := slice.SaveGrayTIFF(tmpPath, out, st.compress); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming %s to %s: %v", slice.ErrIO, tmpPath, finalPath, err)
	}

	st.advance(t.Weight, t.Level, t.OutIndex)
	return nil
}

func (st *buildState) advance(weight float64, level, index int) {
	ev, due := st.estimator.Advance(weight)
	if due {
		ev.CurrentLevel = level
		ev.CurrentIndex = index
		st.sink.Progress(ev)
	}
}
