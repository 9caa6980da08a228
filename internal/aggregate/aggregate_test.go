package aggregate

import (
	"testing"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fromScores(scores ...float64) *Aggregator {
	a := New(false)
	for i, s := range scores {
		a.Add(types.ScoreSample{FrameIndex: i, Score: s})
	}
	return a
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		name      string
		scores    []float64
		wantLabel types.Label
		wantConf  float64
	}{
		{"empty", nil, types.LabelNoFace, 0},
		{"mostly real", []float64{0.9, 0.8, 0.95}, types.LabelReal, 0.883333333},
		{"fake", []float64{0.1, 0.3}, types.LabelDeepFake, 0.2},
		{"exactly threshold is real", []float64{0.4, 0.6}, types.LabelReal, 0.5},
		{"single", []float64{0.49}, types.LabelDeepFake, 0.49},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := fromScores(tt.scores...).Finalize()
			assert.Equal(t, tt.wantLabel, v.Label)
			assert.InDelta(t, tt.wantConf, v.Confidence, 1e-6)
			assert.Equal(t, len(tt.scores), v.Faces)
			assert.False(t, v.Partial)
		})
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	a := fromScores(0.1, 0.7)
	b := fromScores(0.95)
	c := fromScores(0.3, 0.3, 0.8)

	// (a+b)+c
	left := New(false)
	left.Merge(a)
	left.Merge(b)
	left.Merge(c)

	// c+(b+a)
	bc := New(false)
	bc.Merge(b)
	bc.Merge(a)
	right := New(false)
	right.Merge(c)
	right.Merge(bc)

	whole := fromScores(0.1, 0.7, 0.95, 0.3, 0.3, 0.8)

	assert.Equal(t, whole.Count(), left.Count())
	assert.Equal(t, whole.Count(), right.Count())
	assert.InDelta(t, whole.Mean(), left.Mean(), 1e-12)
	assert.InDelta(t, left.Mean(), right.Mean(), 1e-12)
	assert.Equal(t, left.Finalize().Label, right.Finalize().Label)
}

func TestMerge_EmptyIsIdentity(t *testing.T) {
	a := fromScores(0.25, 0.75)
	a.Merge(New(false))
	a.Merge(nil)
	assert.Equal(t, 2, a.Count())
	assert.InDelta(t, 0.5, a.Mean(), 1e-12)
}

func TestKeepSamples(t *testing.T) {
	box := &types.BoundingBox{X1: 1, Y1: 2, X2: 30, Y2: 40}
	a := New(true)
	a.Add(types.ScoreSample{FrameIndex: 0, Box: box, Score: 0.6})

	other := New(true)
	other.Add(types.ScoreSample{FrameIndex: 10, Score: 0.7})
	a.Merge(other)

	v := a.Finalize()
	require.Len(t, v.Samples, 2)
	assert.Equal(t, box, v.Samples[0].Box)
	assert.Equal(t, 10, v.Samples[1].FrameIndex)

	assert.Empty(t, fromScores(0.6).Finalize().Samples)
}
