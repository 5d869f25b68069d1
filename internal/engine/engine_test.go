package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/framepacer/core/internal/clock"
	"github.com/framepacer/core/internal/config"
	"github.com/framepacer/core/internal/fenceworker"
	"github.com/framepacer/core/internal/timeline"
)

func identityCalibration() clock.Calibration {
	return clock.Calibration{GPURaw: 0, CPURaw: 0, TimestampPeriod: 1.0, ValidBits: 64}
}

type queueFakeBackend struct {
	mu               sync.Mutex
	startRaw, endRaw uint64
}

func (f *queueFakeBackend) setTimestamps(start, end uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startRaw, f.endRaw = start, end
}

func (f *queueFakeBackend) WaitFence(ctx context.Context, fenceValue uint64) error {
	return nil
}

func (f *queueFakeBackend) ReadTimestamps(resource fenceworker.Resource) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startRaw, f.endRaw, nil
}

func TestFrameBeginAssignsStrictlyIncreasingIDs(t *testing.T) {
	e := New(config.Default(1), nil)
	defer e.Close()
	ctx := context.Background()

	id0, _ := e.FrameBegin(ctx)
	id1, _ := e.FrameBegin(ctx)
	if id1 != id0+1 {
		t.Fatalf("id1 = %d, want %d", id1, id0+1)
	}
}

func TestMarkAndFrameFinishFeedEstimateDelay(t *testing.T) {
	e := New(config.Default(1), nil)
	defer e.Close()
	ctx := context.Background()

	if _, ok := e.EstimateDelay(); ok {
		t.Fatalf("EstimateDelay before any retirement should report no estimate")
	}

	id0, _ := e.FrameBegin(ctx)
	e.Mark(id0, 0, timeline.FrameStageStats{Delay: 2 * clock.Interval(1_000_000), Duration: 8 * clock.Interval(1_000_000)})
	e.FrameFinish(id0)

	// Retirement happens lazily at the top of the next FrameBegin.
	e.FrameBegin(ctx)

	delay, ok := e.EstimateDelay()
	if !ok {
		t.Fatalf("EstimateDelay should report an estimate once a frame has retired")
	}
	if delay != 2*clock.Interval(1_000_000) {
		t.Fatalf("EstimateDelay = %d, want 2ms", delay)
	}
}

func TestExternalIDBindingMatchesPresentScenario(t *testing.T) {
	e := New(config.Default(1), nil)
	defer e.Close()
	ctx := context.Background()

	idA, _ := e.FrameBegin(ctx)
	idB, _ := e.FrameBegin(ctx)

	e.MarkSimulationBegin(42) // binds the freshest queued frame, idB

	frameAtPresent, ok := e.PresentExternalFrame(41)
	if !ok || frameAtPresent != idA {
		t.Fatalf("PresentExternalFrame(41) = (%d, %v), want (%d, true)", frameAtPresent, ok, idA)
	}

	if _, ok := e.Resolve(41); ok {
		t.Fatalf("Resolve(41) should be stale after present(41)")
	}
	if frame, ok := e.Resolve(42); !ok || frame != idB {
		t.Fatalf("Resolve(42) = (%d, %v), want (%d, true)", frame, ok, idB)
	}
}

func TestStatsReportsNeedsRecalibrationFromTracker(t *testing.T) {
	e := New(config.Default(1), nil)
	defer e.Close()
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		e.FrameBegin(ctx)
	}

	if !e.Stats().NeedsRecalibration {
		t.Fatalf("Stats().NeedsRecalibration should be true once the identity queue overflows")
	}
}

func TestStatsReportsStageEstimatesAndQueueDepth(t *testing.T) {
	e := New(config.Default(2), nil)
	defer e.Close()
	ctx := context.Background()

	e.FrameBegin(ctx)
	e.FrameBegin(ctx)

	stats := e.Stats()
	if len(stats.StageEstimatesSeconds) != 2 {
		t.Fatalf("len(StageEstimatesSeconds) = %d, want 2", len(stats.StageEstimatesSeconds))
	}
	if stats.TrackerQueueDepth != 2 {
		t.Fatalf("TrackerQueueDepth = %d, want 2 after two unmarked FrameBegin calls", stats.TrackerQueueDepth)
	}
}

func TestSubmitFinishStageFeedsAggregatorThroughQueue(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := New(config.Default(1), nil)
	ctx, cancel := context.WithCancel(context.Background())

	backend := &queueFakeBackend{}
	if err := e.AddQueue(ctx, "q0", backend, identityCalibration, 4, 4); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}

	queuedTS := e.Now()
	backend.setTimestamps(uint64(queuedTS)+2_000_000, uint64(queuedTS)+10_000_000)

	id, _ := e.FrameBegin(ctx)

	resource, err := e.AcquireResource(ctx, "q0")
	if err != nil {
		t.Fatalf("AcquireResource: %v", err)
	}
	if err := e.Submit(ctx, "q0", fenceworker.Submission{Queued: queuedTS, FenceValue: 1, Resource: resource}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.FinishStage(ctx, "q0", id, 0); err != nil {
		t.Fatalf("FinishStage: %v", err)
	}

	// The worker and drain goroutines process the submission and its
	// boundary notification over local channels; give them a moment to
	// run before sealing the frame.
	time.Sleep(100 * time.Millisecond)
	e.FrameFinish(id)
	e.FrameBegin(ctx) // triggers retirement of id

	if _, ok := e.EstimateDelay(); !ok {
		t.Fatalf("EstimateDelay should report an estimate once the queued submission retires")
	}

	cancel()
	e.Wait()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAddQueueRejectsDuplicateName(t *testing.T) {
	e := New(config.Default(1), nil)
	defer e.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &queueFakeBackend{}
	if err := e.AddQueue(ctx, "q0", backend, identityCalibration, 2, 2); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}
	if err := e.AddQueue(ctx, "q0", backend, identityCalibration, 2, 2); err == nil {
		t.Fatalf("AddQueue should reject a duplicate queue name")
	}
	cancel()
	e.Wait()
}

func TestSubmitOnUnknownQueueReturnsError(t *testing.T) {
	e := New(config.Default(1), nil)
	defer e.Close()
	ctx := context.Background()

	err := e.Submit(ctx, "missing", fenceworker.Submission{})
	if err == nil {
		t.Fatalf("Submit on an unregistered queue should return an error")
	}
}
