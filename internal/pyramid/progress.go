package pyramid

import (
	"sync"
	"time"
)

// sampleWindow is the number of recent throughput samples kept for the
// instantaneous-rate calculation (spec §4.E, K≈30).
const sampleWindow = 30

// emaAlpha smooths the instantaneous rate into the reported rate (spec
// §4.E, α=0.3).
const emaAlpha = 0.3

// emitInterval throttles how often Build pushes a ProgressEvent to its
// sink (spec §4.E/§6, 100ms).
const emitInterval = 100 * time.Millisecond

// ProgressEvent is one throughput/ETA snapshot. ETASeconds is nil during
// the "Estimating…" phase, before a full sample window has accumulated.
type ProgressEvent struct {
	CompletedWork float64
	TotalWork     float64
	CurrentLevel  int
	CurrentIndex  int
	ETASeconds    *float64
}

// ProgressSink receives build lifecycle and progress callbacks. A nil sink
// is never passed to user code; Build substitutes noopSink.
type ProgressSink interface {
	Started(totalLevels int, totalWork float64)
	LevelStarted(level, count, width, height int)
	Progress(ev ProgressEvent)
	LevelCompleted(level, failures int)
	Finished(outcome Outcome)
}

type noopSink struct{}

func (noopSink) Started(int, float64)         {}
func (noopSink) LevelStarted(int, int, int, int) {}
func (noopSink) Progress(ProgressEvent)       {}
func (noopSink) LevelCompleted(int, int)      {}
func (noopSink) Finished(Outcome)             {}

type workSample struct {
	t    time.Time
	work float64
}

// Estimator tracks EMA-smoothed throughput for a build of known total
// work and derives an ETA from it (spec §4.E). Safe for concurrent use
// from multiple worker goroutines.
type Estimator struct {
	mu        sync.Mutex
	totalWork float64
	completed float64
	samples   []workSample
	ema       float64
	refined   bool
	lastEmit  time.Time
}

// NewEstimator creates an Estimator for a build with totalWork units of
// planned work (spec §3's per-level 4^(1-level) weighting).
func NewEstimator(totalWork float64) *Estimator {
	return &Estimator{totalWork: totalWork, samples: make([]workSample, 0, sampleWindow)}
}

// Advance records work units newly completed and returns the current
// snapshot plus whether the emit throttle has elapsed since the last call
// that reported due=true.
func (e *Estimator) Advance(work float64) (ev ProgressEvent, due bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.completed += work
	now := time.Now()
	e.samples = append(e.samples, workSample{t: now, work: e.completed})
	if len(e.samples) > sampleWindow {
		e.samples = e.samples[len(e.samples)-sampleWindow:]
	}
	if len(e.samples) >= 2 {
		oldest := e.samples[0]
		if dt := now.Sub(oldest.t).Seconds(); dt > 0 {
			instant := (e.completed - oldest.work) / dt
			if e.ema == 0 {
				e.ema = instant
			} else {
				e.ema = emaAlpha*instant + (1-emaAlpha)*e.ema
			}
		}
	}
	if len(e.samples) >= sampleWindow {
		e.refined = true
	}

	ev = ProgressEvent{CompletedWork: e.completed, TotalWork: e.totalWork}
	if e.refined && e.ema > 0 && e.totalWork > e.completed {
		etaSec := (e.totalWork - e.completed) / e.ema
		ev.ETASeconds = &etaSec
	}

	due = now.Sub(e.lastEmit) >= emitInterval
	if due {
		e.lastEmit = now
	}
	return ev, due
}

// Snapshot returns the current progress without consuming the emit
// throttle.
func (e *Estimator) Snapshot() ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := ProgressEvent{CompletedWork: e.completed, TotalWork: e.totalWork}
	if e.refined && e.ema > 0 && e.totalWork > e.completed {
		etaSec := (e.totalWork - e.completed) / e.ema
		ev.ETASeconds = &etaSec
	}
	return ev
}
