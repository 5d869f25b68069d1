package clock

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MinSpin is the threshold below which SleepUntil busy-spins rather than
// blocking on a timer, since OS timer wakeups are not reliably precise
// below this margin.
const MinSpin = 500 * time.Microsecond

var oversleep = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "framepacer",
	Name:      "sleep_oversleep_seconds",
	Help:      "Amount by which SleepUntil overshot its target deadline.",
	Buckets:   []float64{0.000005, 0.00001, 0.00002, 0.00005, 0.0001, 0.0002, 0.0005, 0.001},
})

// Sleeper is a per-owner high-resolution sleep primitive. It is meant to be
// owned by a single goroutine (typically the simulation loop), which lets
// it cache one timer across calls; a Sleeper is not safe for concurrent
// use by multiple goroutines.
type Sleeper struct {
	source Source
	timer  *time.Timer
}

// NewSleeper constructs a Sleeper drawing timestamps from source. Pass
// clock.Default for production use, or a fake Source in tests.
func NewSleeper(source Source) *Sleeper {
	return &Sleeper{source: source}
}

// Close releases the cached timer.
func (s *Sleeper) Close() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// SleepUntil blocks until target has passed (or ctx is cancelled), and
// returns the timestamp observed on return. While more than MinSpin away
// from the deadline it waits on a timer; once within MinSpin it busy-spins
// with a scheduler yield as a CPU pause hint, trading a core for the last
// slice of latency the OS scheduler can't reliably deliver.
func (s *Sleeper) SleepUntil(ctx context.Context, target Timestamp) Timestamp {
	now := s.source.Now()

	for now+Timestamp(MinSpin) < target {
		remaining := time.Duration(target-now) - MinSpin
		if s.timer == nil {
			s.timer = time.NewTimer(remaining)
		} else {
			if !s.timer.Stop() {
				select {
				case <-s.timer.C:
				default:
				}
			}
			s.timer.Reset(remaining)
		}

		select {
		case <-s.timer.C:
		case <-ctx.Done():
			return s.source.Now()
		}
		now = s.source.Now()
	}

	for now < target {
		runtime.Gosched()
		now = s.source.Now()
	}

	if now > target {
		oversleep.Observe(float64(now-target) / 1e9)
	}
	return now
}

// SleepUntil is a convenience entry point using the package Default clock
// and a throwaway Sleeper; callers on a hot loop should construct their own
// Sleeper instead to benefit from the cached timer.
func SleepUntil(ctx context.Context, target Timestamp) Timestamp {
	s := NewSleeper(Default)
	defer s.Close()
	return s.SleepUntil(ctx, target)
}
