// Package aggregate reduces per-face scores into a single verdict.
package aggregate

import "github.com/andresmejia3/deepcheck/internal/types"

// Aggregator is a streaming sum and count of scores. The zero value is empty and ready to use.
// It is not safe for concurrent use; concurrent producers keep their own Aggregator and Merge.
type Aggregator struct {
	sum   float64
	count int

	keep    bool
	samples []types.ScoreSample
}

// New returns an empty aggregator. With keepSamples set every added sample is retained
// and copied into the finalized verdict.
func New(keepSamples bool) *Aggregator {
	return &Aggregator{keep: keepSamples}
}

// Add folds one score into the running total.
func (a *Aggregator) Add(s types.ScoreSample) {
	a.sum += s.Score
	a.count++
	if a.keep {
		a.samples = append(a.samples, s)
	}
}

// Merge folds other into a. Merging is associative and commutative up to floating point
// rounding of the sum.
func (a *Aggregator) Merge(other *Aggregator) {
	if other == nil {
		return
	}
	a.sum += other.sum
	a.count += other.count
	if a.keep {
		a.samples = append(a.samples, other.samples...)
	}
}

// Count returns the number of scores seen.
func (a *Aggregator) Count() int { return a.count }

// Mean returns the average score, or 0 when empty.
func (a *Aggregator) Mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

// Finalize turns the aggregate into a verdict. An empty aggregate means no face was found.
func (a *Aggregator) Finalize() types.Verdict {
	if a.count == 0 {
		return types.Verdict{Label: types.LabelNoFace, Confidence: 0}
	}
	mean := a.Mean()
	v := types.Verdict{Label: types.LabelDeepFake, Confidence: mean, Faces: a.count}
	if mean >= types.RealThreshold {
		v.Label = types.LabelReal
	}
	if a.keep {
		v.Samples = append([]types.ScoreSample(nil), a.samples...)
	}
	return v
}
