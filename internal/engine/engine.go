// Package engine assembles the Frame Aggregator, the Frame-Identity
// Tracker, and one Fence Worker per GPU queue behind the library-facing
// operations a host application drives each frame: frame_begin,
// frame_mark_stage (via Submit/FinishStage or a direct Mark), frame_finish,
// sleep_until, and now.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/framepacer/core/internal/aggregator"
	"github.com/framepacer/core/internal/clock"
	"github.com/framepacer/core/internal/config"
	"github.com/framepacer/core/internal/debugserver"
	"github.com/framepacer/core/internal/fenceworker"
	"github.com/framepacer/core/internal/identity"
	"github.com/framepacer/core/internal/log"
	"github.com/framepacer/core/internal/telemetry"
	"github.com/framepacer/core/internal/timeline"
	"github.com/framepacer/core/internal/traceexport"
)

// StageBoundary is the Notification payload threaded through a queue's
// Fence Worker: "no more submissions for this frame-stage on this queue",
// telling the drain loop when to fold the queue's Accumulator into the
// aggregator. It rides the same request stream as the Submissions it
// closes out, so the worker observes it in causal order.
type StageBoundary struct {
	FrameID aggregator.FrameId
	StageID aggregator.StageId
}

type queue struct {
	worker      *fenceworker.Worker[StageBoundary]
	freeList    *fenceworker.FreeList
	accumulator timeline.Accumulator
}

type frameTrace struct {
	span  trace.Span
	start clock.Timestamp
}

// Engine is the assembled engine. Construct with New, register queues with
// AddQueue, then drive FrameBegin/Submit/FinishStage/FrameFinish from the
// host's simulation loop.
type Engine struct {
	mu sync.Mutex

	agg     *aggregator.Aggregator
	tracker *identity.Tracker[aggregator.FrameId]
	sleeper *clock.Sleeper
	clock   clock.Source

	leakWarnThreshold int
	inFlight          atomic.Int64
	leakWarned        atomic.Bool

	queues      map[string]*queue
	frameTraces map[aggregator.FrameId]frameTrace

	trace *traceexport.Writer // optional; nil disables Chrome-trace export

	mgr    *fenceworker.Manager // lazily created by the first AddQueue call
	mgrCtx context.Context      // shared, cancel-on-first-error context for every queue's goroutines
}

// New assembles an Engine from cfg. traceWriter may be nil to disable
// Chrome-trace export.
func New(cfg config.EngineConfig, traceWriter *traceexport.Writer) *Engine {
	aggCfg := aggregator.Config{
		DelayGain:      cfg.DelayGain,
		DurationGain:   cfg.DurationGain,
		TargetDelay:    clock.Interval(cfg.TargetDelay.Nanoseconds()),
		ClampDelay:     clock.Interval(cfg.ClampDelay.Nanoseconds()),
		ClampFrameTime: clock.Interval(cfg.ClampFrameTime.Nanoseconds()),
	}
	return &Engine{
		agg:               aggregator.New(aggCfg, cfg.NumStages),
		tracker:           identity.New[aggregator.FrameId](),
		sleeper:           clock.NewSleeper(clock.Default),
		clock:             clock.Default,
		leakWarnThreshold: cfg.LeakWarnThreshold,
		queues:            make(map[string]*queue),
		frameTraces:       make(map[aggregator.FrameId]frameTrace),
		trace:             traceWriter,
	}
}

// AddQueue registers a GPU queue backed by backend, with poolSize pooled
// resource slots and bufferSize-deep request/reply channels, and starts its
// worker and drain goroutines through the engine's fenceworker.Manager. The
// first call to AddQueue derives the Manager's shared context from ctx;
// later calls join the same group, so if one queue's goroutine ever returns
// an error, every queue's goroutines unwind together rather than leaving a
// half-torn-down engine running. Call Wait after cancelling ctx to join
// them.
func (e *Engine) AddQueue(ctx context.Context, name string, backend fenceworker.Backend, calibration func() clock.Calibration, poolSize, bufferSize int) error {
	e.mu.Lock()
	if _, exists := e.queues[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("engine: queue %q already registered", name)
	}

	if e.mgr == nil {
		e.mgr, e.mgrCtx = fenceworker.NewManager(ctx)
	}
	mgr, runCtx := e.mgr, e.mgrCtx

	freeList := fenceworker.NewFreeList(poolSize)
	worker := fenceworker.NewWorker[StageBoundary](name, backend, calibration, freeList, bufferSize)
	q := &queue{worker: worker, freeList: freeList}
	e.queues[name] = q
	e.mu.Unlock()

	mgr.Go(func() error {
		return worker.Run(runCtx)
	})
	mgr.Go(func() error {
		e.drainQueue(q)
		return nil
	})
	return nil
}

// drainQueue folds a queue's Submission replies into its Accumulator and,
// on each StageBoundary notification, reports the accumulated stats to the
// aggregator and resets for the next frame-stage.
func (e *Engine) drainQueue(q *queue) {
	for result := range q.worker.Replies() {
		switch {
		case result.Stats != nil:
			q.accumulator.Accumulate(*result.Stats)
		case result.Notification != nil:
			stats := q.accumulator.Stats()
			q.accumulator.Reset()
			e.Mark(result.Notification.FrameID, result.Notification.StageID, stats)
		}
	}
}

// AcquireResource borrows a pooled GPU resource slot from queueName for a
// submission the caller is about to record. One free list indexes both
// the query slot and its patch command buffer, since a queue recycles
// them as a pair.
func (e *Engine) AcquireResource(ctx context.Context, queueName string) (fenceworker.Resource, error) {
	q, err := e.queueNamed(queueName)
	if err != nil {
		return fenceworker.Resource{}, err
	}
	slot, err := q.freeList.Acquire(ctx)
	if err != nil {
		return fenceworker.Resource{}, err
	}
	return fenceworker.Resource{QuerySlot: slot, CommandBuffer: slot}, nil
}

// Submit hands a GPU submission record to queueName's Fence Worker.
func (e *Engine) Submit(ctx context.Context, queueName string, sub fenceworker.Submission) error {
	q, err := e.queueNamed(queueName)
	if err != nil {
		return err
	}
	select {
	case q.worker.Requests() <- fenceworker.SubmissionMessage[StageBoundary](sub):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinishStage signals queueName that no further submissions belong to
// (frameID, stageID) on this queue; the queue's accumulated (delay,
// duration) is reported to the aggregator once the worker observes this
// notification in its request stream.
func (e *Engine) FinishStage(ctx context.Context, queueName string, frameID aggregator.FrameId, stageID aggregator.StageId) error {
	q, err := e.queueNamed(queueName)
	if err != nil {
		return err
	}
	select {
	case q.worker.Requests() <- fenceworker.NotificationMessage[StageBoundary](StageBoundary{FrameID: frameID, StageID: stageID}):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) queueNamed(name string) (*queue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[name]
	if !ok {
		return nil, fmt.Errorf("engine: unknown queue %q", name)
	}
	return q, nil
}

// FrameBegin allocates the next frame and its sleep target, registers the
// frame with the identity tracker for a later MarkSimulationBegin or
// PresentExternalFrame, and runs the tracker's recalibration drain if the
// previous frame triggered it.
func (e *Engine) FrameBegin(ctx context.Context) (aggregator.FrameId, clock.Timestamp) {
	e.tracker.Recalibrate()

	id, target := e.agg.NewFrame()
	e.tracker.AddFrame(id)
	e.trackInFlight(1)

	_, span := telemetry.StartFrameSpan(ctx, uint64(id))
	e.mu.Lock()
	e.frameTraces[id] = frameTrace{span: span, start: target}
	e.mu.Unlock()

	return id, target
}

func (e *Engine) trackInFlight(delta int64) {
	n := e.inFlight.Add(delta)
	switch {
	case delta > 0 && e.leakWarnThreshold > 0 && int(n) > e.leakWarnThreshold:
		if e.leakWarned.CompareAndSwap(false, true) {
			log.WithComponent("engine").Warn().
				Str(log.FieldEvent, "engine.frames_in_flight_high").
				Int64("in_flight", n).
				Msg("frame backlog exceeds leak-warn threshold")
		}
	case delta < 0 && (e.leakWarnThreshold == 0 || int(n) <= e.leakWarnThreshold):
		e.leakWarned.Store(false)
	}
}

// MarkSimulationBegin binds an externally-assigned frame identifier to the
// freshest internal frame still awaiting its first marker.
func (e *Engine) MarkSimulationBegin(externalID identity.ExternalID) {
	e.tracker.MarkSimulationBegin(externalID)
}

// PresentExternalFrame resolves externalID to the internal frame it was
// bound to, then discards stale mappings at or before it. The resolution
// must happen before Present's discard pass, since discarding drops
// externalID's own mapping along with anything older.
func (e *Engine) PresentExternalFrame(externalID identity.ExternalID) (aggregator.FrameId, bool) {
	frame, ok := e.tracker.Get(externalID)
	e.tracker.Present(externalID)
	return frame, ok
}

// Resolve returns the internal frame bound to externalID without the
// side effects of PresentExternalFrame, matching spec's get(id).
func (e *Engine) Resolve(externalID identity.ExternalID) (aggregator.FrameId, bool) {
	return e.tracker.Get(externalID)
}

// Mark records one stage's stats for frameID directly, for callers that
// already have a (delay, duration) pair rather than raw GPU submissions.
func (e *Engine) Mark(frameID aggregator.FrameId, stageID aggregator.StageId, stats timeline.FrameStageStats) {
	e.agg.Mark(frameID, stageID, stats)

	e.mu.Lock()
	ft, ok := e.frameTraces[frameID]
	e.mu.Unlock()

	ctx := context.Background()
	var start clock.Timestamp
	if ok {
		ctx = trace.ContextWithSpan(ctx, ft.span)
		start = ft.start
	}
	_, stageSpan := telemetry.StartStageSpan(ctx, int(stageID))
	stageSpan.End()

	if e.trace != nil {
		e.trace.RecordStage(uint64(frameID), int(stageID), start, stats.Duration)
	}
}

// FrameFinish seals frameID for retirement by the next FrameBegin's
// update_estimates pass.
func (e *Engine) FrameFinish(frameID aggregator.FrameId) {
	e.agg.FinishFrame(frameID)

	e.mu.Lock()
	ft, ok := e.frameTraces[frameID]
	delete(e.frameTraces, frameID)
	e.mu.Unlock()

	if ok {
		ft.span.End()
		if e.trace != nil {
			dur := e.clock.Now() - ft.start
			e.trace.RecordFrame(uint64(frameID), ft.start, clock.Interval(dur))
		}
	}

	e.trackInFlight(-1)
}

// SleepUntil blocks the calling goroutine until target, returning the
// observed timestamp.
func (e *Engine) SleepUntil(ctx context.Context, target clock.Timestamp) clock.Timestamp {
	return e.sleeper.SleepUntil(ctx, target)
}

// Now returns the engine's current monotonic timestamp.
func (e *Engine) Now() clock.Timestamp {
	return e.clock.Now()
}

// EstimateDelay exposes the aggregator's current delay estimate.
func (e *Engine) EstimateDelay() (clock.Interval, bool) {
	return e.agg.EstimateDelay()
}

// Stats implements debugserver.StatsProvider.
func (e *Engine) Stats() debugserver.Stats {
	delay, ok := e.agg.EstimateDelay()

	stageEstimates := e.agg.StageEstimates()
	stageSeconds := make([]float64, len(stageEstimates))
	for i, d := range stageEstimates {
		stageSeconds[i] = float64(d) / 1e9
	}

	return debugserver.Stats{
		EstimatedDelaySeconds: float64(delay) / 1e9,
		HasDelayEstimate:      ok,
		NeedsRecalibration:    e.tracker.NeedsRecalibration(),
		StageEstimatesSeconds: stageSeconds,
		TrackerQueueDepth:     e.tracker.QueueDepth(),
	}
}

// Wait blocks until every registered queue's worker and drain goroutine
// has exited. Cancel the ctx passed to AddQueue first. A no-op if no queue
// was ever registered.
func (e *Engine) Wait() {
	e.mu.Lock()
	mgr := e.mgr
	e.mu.Unlock()
	if mgr == nil {
		return
	}

	if err := mgr.Wait(); err != nil {
		log.WithComponent("engine").Warn().
			Str(log.FieldEvent, "engine.queue_group_error").
			Err(err).
			Msg("a queue goroutine returned an error")
	}
}

// Close releases the Sleeper's cached timer and flushes the trace writer,
// if any. Call after Wait.
func (e *Engine) Close() error {
	e.sleeper.Close()
	if e.trace != nil {
		return e.trace.Close()
	}
	return nil
}
