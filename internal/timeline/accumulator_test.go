package timeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAccumulateSingleSubmission(t *testing.T) {
	var a Accumulator
	a.Accumulate(TaskStats{Queued: 0, Start: 1_000_000, End: 3_000_000})

	stats := a.Stats()
	if stats.Delay != 1_000_000 {
		t.Errorf("Delay = %v, want 1ms", stats.Delay)
	}
	// duration = end - max(queued, lastFinish) = 3ms - max(0, 0) = 3ms
	if stats.Duration != 3_000_000 {
		t.Errorf("Duration = %v, want 3ms", stats.Duration)
	}
}

func TestAccumulateNonOverlappingSubmissionsSumDuration(t *testing.T) {
	var a Accumulator
	a.Accumulate(TaskStats{Queued: 0, Start: 0, End: 1_000_000})
	a.Accumulate(TaskStats{Queued: 1_000_000, Start: 1_000_000, End: 2_000_000})

	stats := a.Stats()
	if stats.Duration != 2_000_000 {
		t.Errorf("Duration = %v, want 2ms (no double count, no gap)", stats.Duration)
	}
}

func TestAccumulateOverlappingSubmissionsDoNotDoubleCount(t *testing.T) {
	var a Accumulator
	// second submission starts executing before the first finished.
	a.Accumulate(TaskStats{Queued: 0, Start: 0, End: 2_000_000})
	a.Accumulate(TaskStats{Queued: 500_000, Start: 1_000_000, End: 3_000_000})

	stats := a.Stats()
	// duration = (2ms - 0) + (3ms - max(500us, lastFinish=2ms)) = 2ms + 1ms = 3ms
	if stats.Duration != 3_000_000 {
		t.Errorf("Duration = %v, want 3ms", stats.Duration)
	}
}

func TestAccumulateDelayTracksMinimum(t *testing.T) {
	var a Accumulator
	a.Accumulate(TaskStats{Queued: 0, Start: 5_000_000, End: 6_000_000})
	a.Accumulate(TaskStats{Queued: 6_000_000, Start: 6_500_000, End: 7_000_000})

	stats := a.Stats()
	if stats.Delay != 500_000 {
		t.Errorf("Delay = %v, want min(5ms, 0.5ms) = 0.5ms", stats.Delay)
	}
}

func TestResetRetainsLastFinishAcrossFrameBoundary(t *testing.T) {
	var a Accumulator
	a.Accumulate(TaskStats{Queued: 0, Start: 0, End: 5_000_000})
	a.Reset()

	if stats := a.Stats(); stats.Delay != 0 || stats.Duration != 0 {
		t.Fatalf("after Reset, Stats() = %+v, want zero", stats)
	}

	// A submission straddling the frame boundary: queued before reset,
	// ending after. lastFinish from the previous frame must still be
	// honored so the overlap isn't double counted.
	a.Accumulate(TaskStats{Queued: 3_000_000, Start: 4_000_000, End: 6_000_000})
	stats := a.Stats()
	if stats.Duration != 1_000_000 {
		t.Errorf("Duration after straddling submission = %v, want 1ms (6ms - max(3ms, lastFinish=5ms))", stats.Duration)
	}
}

func TestAccumulateNoSubmissionsYieldsZeroStats(t *testing.T) {
	var a Accumulator
	stats := a.Stats()
	if stats.Delay != 0 || stats.Duration != 0 {
		t.Fatalf("Stats() on empty accumulator = %+v, want zero", stats)
	}
}

func TestAccumulateMultipleStagesProduceDistinctStats(t *testing.T) {
	var stage0, stage1 Accumulator
	stage0.Accumulate(TaskStats{Queued: 0, Start: 1_000_000, End: 3_000_000})
	stage1.Accumulate(TaskStats{Queued: 0, Start: 2_000_000, End: 5_000_000})

	want := FrameStageStats{Delay: 1_000_000, Duration: 3_000_000}
	if diff := cmp.Diff(want, stage0.Stats()); diff != "" {
		t.Fatalf("stage0.Stats() mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(stage0.Stats(), stage1.Stats()); diff == "" {
		t.Fatalf("expected stage0 and stage1 stats to differ, both are %+v", stage0.Stats())
	}
}
