// Package ewma implements a bias-corrected exponentially-weighted moving
// average over a scalar stream, used by the aggregator to estimate
// per-stage frame durations.
package ewma

// Estimator is a bias-corrected EWMA. Unlike a naive EWMA it normalises
// by the accumulated weight, so the first Update returns its input
// verbatim instead of being biased toward zero.
type Estimator struct {
	value  float64
	weight float64
	alpha  float64
}

// New returns an Estimator with the given smoothing factor alpha in (0, 1].
func New(alpha float64) Estimator {
	return Estimator{alpha: alpha}
}

// Update folds a new sample into the estimator.
func (e *Estimator) Update(v float64) {
	e.value = (1-e.alpha)*e.value + e.alpha*v
	e.weight = (1-e.alpha)*e.weight + e.alpha
}

// Get returns the current bias-corrected estimate, or 0 if no sample has
// ever been observed.
func (e *Estimator) Get() float64 {
	if e.weight == 0 {
		return 0
	}
	return e.value / e.weight
}
