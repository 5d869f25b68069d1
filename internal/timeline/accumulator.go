// Package timeline aggregates individual GPU submission records
// (TaskStats) into a single per-frame, per-stage (delay, duration) pair.
package timeline

import "github.com/framepacer/core/internal/clock"

// TaskStats describes one GPU submission: enqueued on the CPU at Queued,
// began executing on the GPU at Start, finished on the GPU at End.
// Invariant: Queued <= Start <= End.
type TaskStats struct {
	Queued clock.Timestamp
	Start  clock.Timestamp
	End    clock.Timestamp
}

// FrameStageStats summarises one stage of one frame.
type FrameStageStats struct {
	// Delay is the minimum observed CPU-to-GPU-start delay, a backpressure
	// signal.
	Delay clock.Interval
	// Duration is the total GPU busy time attributable to this
	// stage-frame, with overlapping submissions merged.
	Duration clock.Interval
}

// Accumulator merges the submissions of a single (queue, frame, stage)
// triple. Create one per frame-stage, Accumulate each TaskStats as it
// arrives, then call Stats() once all submissions are known, and Reset()
// to begin the next frame.
type Accumulator struct {
	delay      clock.Interval
	hasDelay   bool
	duration   clock.Interval
	lastFinish clock.Timestamp
}

// Accumulate folds one submission's stats into the running totals.
func (a *Accumulator) Accumulate(stats TaskStats) {
	taskDelay := clock.Interval(stats.Start - stats.Queued)
	if !a.hasDelay || taskDelay < a.delay {
		a.delay = taskDelay
		a.hasDelay = true
	}

	base := stats.Queued
	if a.lastFinish > base {
		base = a.lastFinish
	}
	if stats.End > base {
		a.duration += clock.Interval(stats.End - base)
	}
	a.lastFinish = stats.End
}

// Stats returns the accumulated (delay, duration) pair. Delay is 0 if no
// submission was ever accumulated.
func (a *Accumulator) Stats() FrameStageStats {
	return FrameStageStats{Delay: a.delay, Duration: a.duration}
}

// Reset clears the per-frame accumulation (delay, duration) while
// retaining lastFinish, so a submission spanning a frame boundary is not
// double-counted in the next frame's duration.
func (a *Accumulator) Reset() {
	a.delay = 0
	a.hasDelay = false
	a.duration = 0
}
