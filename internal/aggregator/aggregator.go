// Package aggregator implements the pacing control loop: a per-stage EWMA
// duration estimator feeding a proportional controller that targets a fixed
// queueing delay, producing the next frame's sleep-until timestamp.
package aggregator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/framepacer/core/internal/clock"
	"github.com/framepacer/core/internal/ewma"
	"github.com/framepacer/core/internal/timeline"
)

// FrameId is assigned by the aggregator in strictly increasing order, one
// per new_frame call.
type FrameId uint64

// StageId indexes a pipeline stage, in [0, NumStages).
type StageId int

// Config holds the pacing controller's tunables.
type Config struct {
	// DelayGain is the fraction of the current delay-from-target error
	// corrected each frame (the controller's proportional gain).
	DelayGain float64
	// DurationGain is the EWMA alpha used for per-stage duration estimates.
	DurationGain float64
	// TargetDelay is the queueing delay the controller tries to hold,
	// nonzero so the GPU is never starved waiting on CPU work.
	TargetDelay clock.Interval
	// ClampDelay bounds the credible estimated delay.
	ClampDelay clock.Interval
	// ClampFrameTime bounds a single stage-frame's duration sample before
	// it reaches the EWMA, so one stall doesn't poison the estimate.
	ClampFrameTime clock.Interval
}

// DefaultConfig matches the tuning that keeps a single oscillation damped
// within roughly seven frames without ringing on noisy delay samples.
func DefaultConfig() Config {
	return Config{
		DelayGain:      0.15,
		DurationGain:   0.30,
		TargetDelay:    2 * clock.Interval(1_000_000),
		ClampDelay:     50 * clock.Interval(1_000_000),
		ClampFrameTime: 50 * clock.Interval(1_000_000),
	}
}

type frame struct {
	id         FrameId
	delay      []*clock.Interval // per-stage, nil until marked
	adjustment int64
	complete   bool
}

type stage struct {
	active            bool
	nextFrameID       FrameId
	pending           map[FrameId]*clock.Interval // nil value means "no duration" (stage skipped this frame)
	durationEstimator ewma.Estimator
}

func newStage(gain float64) *stage {
	return &stage{pending: make(map[FrameId]*clock.Interval), durationEstimator: ewma.New(gain)}
}

func (s *stage) updateEstimates() {
	for {
		d, ok := s.pending[s.nextFrameID]
		if !ok {
			return
		}
		delete(s.pending, s.nextFrameID)
		if d != nil {
			s.durationEstimator.Update(float64(*d))
		}
		s.active = d != nil
		s.nextFrameID++
	}
}

func (s *stage) updateDuration(id FrameId, d *clock.Interval) {
	s.pending[id] = d
}

var frameTimeGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "framepacer",
	Name:      "aggregator_estimated_frame_time_seconds",
	Help:      "Sum of active per-stage EWMA duration estimates, the aggregator's frame-time estimate.",
})

var referenceDelayGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "framepacer",
	Name:      "aggregator_reference_delay_seconds",
	Help:      "Total cross-stage delay of the last frame retired by the aggregator.",
})

var adjustmentHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "framepacer",
	Name:      "aggregator_adjustment_seconds",
	Help:      "Per-frame sleep-target adjustment applied by the pacing controller.",
	Buckets:   []float64{-0.02, -0.01, -0.005, -0.002, -0.001, 0, 0.001, 0.002, 0.005, 0.01, 0.02},
})

// Aggregator is the per-process pacing control loop. It is safe for
// concurrent use: new_frame must be called in a single total order by the
// caller, but Mark and FinishFrame may be called from any thread.
type Aggregator struct {
	mu sync.Mutex

	config Config
	clock  clock.Source

	stages        []*stage
	frames        map[FrameId]*frame
	frameOrder    []FrameId // ascending FrameId, for in-order retirement
	nextFrameID   FrameId
	referenceDelay *clock.Interval
	lastFrameStart *clock.Timestamp
}

// New constructs an Aggregator with a fixed stage count. numStages is
// immutable for the lifetime of the aggregator.
func New(config Config, numStages int) *Aggregator {
	stages := make([]*stage, numStages)
	for i := range stages {
		stages[i] = newStage(config.DurationGain)
	}
	return &Aggregator{
		config: config,
		clock:  clock.Default,
		stages: stages,
		frames: make(map[FrameId]*frame),
	}
}

// WithClockSource overrides the time source, for deterministic tests.
func (a *Aggregator) WithClockSource(source clock.Source) *Aggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = source
	return a
}

// updateEstimates retires any complete frame at the front of frameOrder and
// advances every stage's own retirement cursor. Caller must hold a.mu.
func (a *Aggregator) updateEstimates() {
	for len(a.frameOrder) > 0 {
		id := a.frameOrder[0]
		f := a.frames[id]
		if !f.complete {
			break
		}
		a.frameOrder = a.frameOrder[1:]
		delete(a.frames, id)

		var sum clock.Interval
		for _, d := range f.delay {
			if d != nil {
				sum += *d
			}
		}
		a.referenceDelay = &sum
		referenceDelayGauge.Set(float64(sum) / 1e9)
	}

	for _, s := range a.stages {
		s.updateEstimates()
	}
}

// estimateDelay propagates the last retired frame's total delay through all
// still-in-flight frames, subtracting each one's stored adjustment (never
// letting the running total go negative), then clamps to ClampDelay.
func (a *Aggregator) estimateDelay() (clock.Interval, bool) {
	if a.referenceDelay == nil {
		return 0, false
	}
	acc := int64(*a.referenceDelay)
	for _, id := range a.frameOrder {
		acc -= a.frames[id].adjustment
		if acc < 0 {
			acc = 0
		}
	}
	if acc > int64(a.config.ClampDelay) {
		acc = int64(a.config.ClampDelay)
	}
	return clock.Interval(acc), true
}

// estimateFrameTime sums the duration EWMA of every stage that produced a
// sample last time it was seen; a stage with no samples yet contributes 0,
// a bias the delay feedback loop corrects within a few frames.
func (a *Aggregator) estimateFrameTime() clock.Interval {
	var total float64
	for _, s := range a.stages {
		if s.active {
			total += s.durationEstimator.Get()
		}
	}
	return clock.Interval(total)
}

// NewFrame allocates the next FrameId and computes when that frame's
// simulation work should begin, applying the pacing controller's
// proportional correction toward TargetDelay.
func (a *Aggregator) NewFrame() (FrameId, clock.Timestamp) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.updateEstimates()

	id := a.nextFrameID
	a.nextFrameID++

	now := a.clock.Now()

	var target clock.Timestamp
	var adjustment int64

	if a.lastFrameStart != nil {
		delayErr := int64(0)
		if delay, ok := a.estimateDelay(); ok {
			delayErr = int64(delay) - int64(a.config.TargetDelay)
		}
		adjustmentRaw := int64(float64(delayErr) * a.config.DelayGain)
		frameTime := a.estimateFrameTime()

		candidate := clock.Timestamp(int64(*a.lastFrameStart) + int64(frameTime) + adjustmentRaw)
		target = now
		if candidate > target {
			target = candidate
		}
		adjustment = (int64(target) - int64(*a.lastFrameStart)) - int64(frameTime)
		adjustmentHistogram.Observe(float64(adjustment) / 1e9)
	} else {
		target = now
	}

	a.frames[id] = &frame{
		id:         id,
		adjustment: adjustment,
		delay:      make([]*clock.Interval, len(a.stages)),
	}
	a.frameOrder = append(a.frameOrder, id)
	lastStart := target
	a.lastFrameStart = &lastStart

	frameTimeGauge.Set(float64(a.estimateFrameTime()) / 1e9)

	return id, target
}

// Mark records one stage's completed timeline stats for frame id.
func (a *Aggregator) Mark(id FrameId, stageID StageId, stats timeline.FrameStageStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.frames[id]
	if !ok {
		return
	}
	delay := stats.Delay
	f.delay[stageID] = &delay

	duration := stats.Duration
	if duration > a.config.ClampFrameTime {
		duration = a.config.ClampFrameTime
	}
	a.stages[stageID].updateDuration(id, &duration)
}

// FinishFrame marks frame id complete. Any stage never marked for this
// frame is recorded as having produced no duration sample, which resets
// that stage's "active" flag rather than skewing its EWMA.
func (a *Aggregator) FinishFrame(id FrameId) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.frames[id]
	if !ok {
		return
	}
	f.complete = true
	for stageID, d := range f.delay {
		if d == nil {
			a.stages[stageID].updateDuration(id, nil)
		}
	}
}

// EstimateDelay exposes the current delay estimate, for diagnostics.
func (a *Aggregator) EstimateDelay() (clock.Interval, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estimateDelay()
}

// StageEstimates exposes each stage's current duration EWMA, in stage
// order, for diagnostics. A stage with no samples yet (or whose last
// sample was a skip) reports 0.
func (a *Aggregator) StageEstimates() []clock.Interval {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]clock.Interval, len(a.stages))
	for i, s := range a.stages {
		if s.active {
			out[i] = clock.Interval(s.durationEstimator.Get())
		}
	}
	return out
}
