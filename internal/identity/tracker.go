// Package identity maps externally-assigned frame identifiers (supplied by
// the host application) onto the engine's internal frame handles, despite
// out-of-order or missing pair-ups between the two.
package identity

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/framepacer/core/internal/log"
)

// ExternalID is a host-supplied frame identifier (spec.md's ReflexId).
type ExternalID uint64

// recalibrationSleep is the drain window given to the pipeline before the
// tracker resumes binding after an overflow or unexpected miss.
const recalibrationSleep = 200 * time.Millisecond

// queueOverflowThreshold: more than this many unbound internal frames
// queued means the host isn't marking simulation-begin often enough.
const queueOverflowThreshold = 8

type frameState[F any] struct {
	tracked bool
	frame   F
}

// Tracker maps ExternalID to an internal frame handle F. The zero value is
// not usable; construct with New.
type Tracker[F any] struct {
	mu sync.Mutex

	reflexIDToFrame map[ExternalID]frameState[F]
	frameQueue      []F // back of the slice is the most recently queued frame
	lastPresent     *ExternalID
	needRecalibrate bool

	warnLimiter *rate.Limiter
}

// New constructs an empty Tracker.
func New[F any]() *Tracker[F] {
	return &Tracker[F]{
		reflexIDToFrame: make(map[ExternalID]frameState[F]),
		warnLimiter:     rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (t *Tracker[F]) warnOnce(event, msg string) {
	if !t.warnLimiter.Allow() {
		return
	}
	log.WithComponent("identity").Warn().Str(log.FieldEvent, event).Msg(msg)
}

// AddFrame enqueues an internal frame handle awaiting its first external
// marker. If the queue grows beyond queueOverflowThreshold, need_recalibrate
// is set and a rate-limited warning is logged.
func (t *Tracker[F]) AddFrame(frame F) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frameQueue = append(t.frameQueue, frame)
	if len(t.frameQueue) > queueOverflowThreshold && !t.needRecalibrate {
		t.needRecalibrate = true
		t.warnOnce("identity.queue_overflow", "frame queue is too long")
	}
}

// bind resolves externalID to an internal frame, popping the back of the
// queue (the most recently added internal frame) on first sight. Must be
// called with t.mu held.
func (t *Tracker[F]) bind(externalID ExternalID, allowUntracked bool) (F, bool) {
	var zero F

	if t.lastPresent != nil && externalID <= *t.lastPresent {
		return zero, false
	}

	if existing, ok := t.reflexIDToFrame[externalID]; ok {
		if !existing.tracked {
			return zero, false
		}
		return existing.frame, true
	}

	n := len(t.frameQueue)
	if n == 0 {
		if allowUntracked {
			t.reflexIDToFrame[externalID] = frameState[F]{tracked: false}
			return zero, false
		}
		t.needRecalibrate = true
		t.warnOnce("identity.unexpected_miss", "no untracked internal frame available to bind")
		return zero, false
	}

	frame := t.frameQueue[n-1]
	t.frameQueue = t.frameQueue[:n-1]
	t.reflexIDToFrame[externalID] = frameState[F]{tracked: true, frame: frame}
	return frame, true
}

// MarkSimulationBegin binds externalID to the freshest queued internal
// frame, allowing an Untracked binding if the queue is empty (the host is
// allowed to mark simulation-begin more often than the engine issues
// frames).
func (t *Tracker[F]) MarkSimulationBegin(externalID ExternalID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bind(externalID, true)
}

// Present binds externalID (failing if no internal frame is available,
// triggering recalibration instead of falling back to Untracked), then
// discards all mappings at or before externalID.
func (t *Tracker[F]) Present(externalID ExternalID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bind(externalID, false)

	for k := range t.reflexIDToFrame {
		if k <= externalID {
			delete(t.reflexIDToFrame, k)
		}
	}
	t.lastPresent = &externalID
}

// Get returns the internal frame bound to externalID, or false if it is
// stale, untracked, or unresolvable.
func (t *Tracker[F]) Get(externalID ExternalID) (F, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bind(externalID, false)
}

// Recalibrate drains the pipeline (sleeps recalibrationSleep) and clears
// the queue if need_recalibrate is set. The host calls this once per frame
// before AddFrame.
func (t *Tracker[F]) Recalibrate() {
	t.mu.Lock()
	if !t.needRecalibrate {
		t.mu.Unlock()
		return
	}
	t.frameQueue = nil
	t.mu.Unlock()

	time.Sleep(recalibrationSleep)

	t.mu.Lock()
	t.needRecalibrate = false
	t.mu.Unlock()
}

// NeedsRecalibration reports whether the tracker is waiting on a
// Recalibrate call, for diagnostics.
func (t *Tracker[F]) NeedsRecalibration() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needRecalibrate
}

// QueueDepth reports how many internal frames are queued awaiting their
// first external marker, for diagnostics.
func (t *Tracker[F]) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frameQueue)
}
