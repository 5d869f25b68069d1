// Package fenceworker runs one worker per GPU queue that waits on GPU
// fence completion, reads back calibrated timestamps, and emits
// TaskStats, interleaving opaque Notification payloads in causal order.
package fenceworker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/framepacer/core/internal/clock"
	"github.com/framepacer/core/internal/timeline"
)

// Resource identifies the pooled GPU objects (a timestamp query slot and
// the command buffer it was recorded into) a Submission borrows for its
// lifetime; the worker returns them to the free list once read back.
type Resource struct {
	QuerySlot     int
	CommandBuffer int
}

// Backend is the GPU-facing side the worker drives; production code wires
// this to the real graphics API, tests wire it to a fake.
type Backend interface {
	// WaitFence blocks until fenceValue has been signalled, or ctx is done.
	WaitFence(ctx context.Context, fenceValue uint64) error
	// ReadTimestamps returns the raw GPU start/end timestamp counters
	// recorded by resource's query slot.
	ReadTimestamps(resource Resource) (startRaw, endRaw uint64, err error)
}

// Submission is a request to wait on one GPU fence value and read back the
// timestamps it guards.
type Submission struct {
	Queued     clock.Timestamp
	FenceValue uint64
	Resource   Resource
}

// Message is either a Submission or an opaque Notification payload, kept
// in the same request stream so the consumer observes notifications in
// causal order relative to the submissions around them.
type Message[C any] struct {
	submission   *Submission
	notification *C
}

// SubmissionMessage wraps a Submission for the worker's request channel.
func SubmissionMessage[C any](s Submission) Message[C] {
	return Message[C]{submission: &s}
}

// NotificationMessage wraps an opaque pass-through payload.
func NotificationMessage[C any](payload C) Message[C] {
	return Message[C]{notification: &payload}
}

// Result mirrors Message on the reply channel: Stats is set for a
// completed Submission, Notification is set for a passed-through
// Notification. A submission dropped on failure produces no Result.
type Result[C any] struct {
	Stats        *timeline.TaskStats
	Notification *C
}

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "framepacer",
		Name:      "fenceworker_queue_depth",
		Help:      "Pending requests queued for a fence worker.",
	}, []string{"queue"})

	submissionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framepacer",
		Name:      "fenceworker_submissions_dropped_total",
		Help:      "Submissions dropped on fence wait / readback failure, or while the breaker is open.",
	}, []string{"queue", "reason"})

	fenceWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "framepacer",
		Name:      "fenceworker_fence_wait_seconds",
		Help:      "Time spent blocked on a GPU fence.",
		Buckets:   prometheus.ExponentialBuckets(0.0002, 2, 10),
	}, []string{"queue"})
)

// Worker drives one GPU queue. Submissions are processed strictly in the
// order they were sent, preserving the causal ordering the pacing control
// loop depends on.
type Worker[C any] struct {
	queueName   string
	backend     Backend
	calibration func() clock.Calibration
	freeList    *FreeList
	breaker     *Breaker

	requests chan Message[C]
	replies  chan Result[C]
}

// NewWorker constructs a worker for queueName. calibration is called once
// per readback so a hot recalibration (e.g. after a device reset) takes
// effect on the next submission without restarting the worker.
func NewWorker[C any](queueName string, backend Backend, calibration func() clock.Calibration, freeList *FreeList, bufferSize int) *Worker[C] {
	return &Worker[C]{
		queueName:   queueName,
		backend:     backend,
		calibration: calibration,
		freeList:    freeList,
		breaker:     NewBreaker(queueName, 3, 5, 10*time.Second, 5*time.Second),
		requests:    make(chan Message[C], bufferSize),
		replies:     make(chan Result[C], bufferSize),
	}
}

// Requests returns the channel submissions and notifications are sent on.
func (w *Worker[C]) Requests() chan<- Message[C] { return w.requests }

// Replies returns the channel results arrive on, in submission order.
func (w *Worker[C]) Replies() <-chan Result[C] { return w.replies }

// Run processes requests until ctx is done or the request channel is
// closed, then returns nil. Intended to run inside a fenceworker.Manager,
// one Run per GPU queue, so a future fatal backend error from one queue can
// propagate and cancel the others via the Manager's shared context.
func (w *Worker[C]) Run(ctx context.Context) error {
	defer close(w.replies)

	for {
		queueDepth.WithLabelValues(w.queueName).Set(float64(len(w.requests)))

		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-w.requests:
			if !ok {
				return nil
			}
			if msg.submission != nil {
				if stats, ok := w.handleSubmission(ctx, *msg.submission); ok {
					select {
					case w.replies <- Result[C]{Stats: &stats}:
					case <-ctx.Done():
						return nil
					}
				}
				continue
			}

			select {
			case w.replies <- Result[C]{Notification: msg.notification}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (w *Worker[C]) handleSubmission(ctx context.Context, s Submission) (timeline.TaskStats, bool) {
	if !w.breaker.Allow() {
		submissionsDropped.WithLabelValues(w.queueName, "breaker_open").Inc()
		w.freeList.Release(s.Resource.QuerySlot)
		return timeline.TaskStats{}, false
	}

	waitStart := time.Now()
	err := w.backend.WaitFence(ctx, s.FenceValue)
	fenceWaitSeconds.WithLabelValues(w.queueName).Observe(time.Since(waitStart).Seconds())
	if err != nil {
		w.breaker.RecordFailure()
		submissionsDropped.WithLabelValues(w.queueName, "fence_wait_failed").Inc()
		w.freeList.Release(s.Resource.QuerySlot)
		return timeline.TaskStats{}, false
	}

	startRaw, endRaw, err := w.backend.ReadTimestamps(s.Resource)
	w.freeList.Release(s.Resource.QuerySlot)
	if err != nil {
		w.breaker.RecordFailure()
		submissionsDropped.WithLabelValues(w.queueName, "timestamp_readback_failed").Inc()
		return timeline.TaskStats{}, false
	}
	w.breaker.RecordSuccess()

	cal := w.calibration()
	stats := timeline.TaskStats{
		Queued: s.Queued,
		Start:  cal.ToHostTime(startRaw),
		End:    cal.ToHostTime(endRaw),
	}
	return stats, true
}
