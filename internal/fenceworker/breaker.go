package fenceworker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// State is the circuit breaker's sliding-window state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	eventFenceOK eventKind = iota
	eventFenceFailure
)

type event struct {
	ts   time.Time
	kind eventKind
}

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "framepacer",
	Name:      "fenceworker_breaker_state",
	Help:      "Circuit breaker state per queue (0=closed, 1=open, 2=half-open).",
}, []string{"queue"})

var breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "framepacer",
	Name:      "fenceworker_breaker_trips_total",
	Help:      "Times a queue's circuit breaker tripped open on repeated fence failures.",
}, []string{"queue"})

// Breaker trips open after repeated fence-wait or timestamp-readback
// failures on one queue, so a wedged GPU queue degrades to dropping
// submissions instead of hanging every caller on a dead fence wait.
// Adapted from the sliding-window breaker used elsewhere in this codebase
// for transient backend failures, specialized to two event kinds.
type Breaker struct {
	mu sync.Mutex

	queueName string

	state    State
	openedAt time.Time

	events []event
	window time.Duration

	threshold        int
	minAttempts      int
	successes        int
	successThreshold int
	resetTimeout     time.Duration

	now func() time.Time
}

// NewBreaker builds a breaker for one queue. threshold failures within
// window (given at least minAttempts total events) trips it open;
// resetTimeout later it probes half-open; successThreshold consecutive
// successes in half-open close it again.
func NewBreaker(queueName string, threshold, minAttempts int, window, resetTimeout time.Duration) *Breaker {
	b := &Breaker{
		queueName:        queueName,
		threshold:        threshold,
		minAttempts:      minAttempts,
		window:           window,
		resetTimeout:     resetTimeout,
		successThreshold: 3,
		now:              time.Now,
	}
	breakerState.WithLabelValues(queueName).Set(0)
	return b
}

// Allow reports whether a submission should be attempted on the GPU fence,
// transitioning open->half-open once resetTimeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.resetTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default: // half-open
		return true
	}
}

// RecordSuccess records a clean fence wait + timestamp readback.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event{ts: b.now(), kind: eventFenceOK})
	b.prune()

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.successThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a fence-wait timeout or readback error.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event{ts: b.now(), kind: eventFenceFailure})
	b.prune()

	if b.state == StateHalfOpen {
		b.transitionTo(StateOpen)
		return
	}

	b.evaluate()
}

func (b *Breaker) prune() {
	cutoff := b.now().Add(-b.window)
	for len(b.events) > 0 && b.events[0].ts.Before(cutoff) {
		b.events = b.events[1:]
	}
}

func (b *Breaker) evaluate() {
	if b.state != StateClosed {
		return
	}
	var attempts, failures int
	for _, e := range b.events {
		attempts++
		if e.kind == eventFenceFailure {
			failures++
		}
	}
	if attempts >= b.minAttempts && failures >= b.threshold {
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) transitionTo(s State) {
	if b.state == s {
		return
	}
	b.state = s
	switch s {
	case StateOpen:
		b.openedAt = b.now()
		breakerTrips.WithLabelValues(b.queueName).Inc()
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.events = nil
	}
	breakerState.WithLabelValues(b.queueName).Set(float64(s))
}

// State reports the breaker's current state, for diagnostics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
