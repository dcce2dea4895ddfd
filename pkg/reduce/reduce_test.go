package reduce

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
)

var negInf = float32(math.Inf(-1))

func TestReduceFindsRowMaxima(t *testing.T) {
	scores := []float32{
		0.1, 0.9, 0.3,
		negInf, negInf, negInf,
		0.5, 0.2, 0.7,
	}
	maxima, pos, err := Reduce(context.Background(), scores, 3, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.9, negInf, 0.7}, maxima)
	assert.Equal(t, []int32{1, NoPosition, 2}, pos)
}

func TestReduceTieBreakSmallestNorm(t *testing.T) {
	scores := []float32{0.8, 0.5, 0.8, 0.8}
	norms := []float64{3, 0, 1, 2}
	_, pos, err := Reduce(context.Background(), scores, 1, 4, func(_, c int) float64 { return norms[c] })
	require.NoError(t, err)
	assert.Equal(t, int32(2), pos[0])
}

func TestReduceShapeMismatch(t *testing.T) {
	_, _, err := Reduce(context.Background(), make([]float32, 5), 2, 3, nil)
	assert.ErrorIs(t, err, ErrScoreShape)
}

func TestReduceManyRows(t *testing.T) {
	const subsets, candidates = 500, 7
	scores := make([]float32, subsets*candidates)
	for s := 0; s < subsets; s++ {
		scores[s*candidates+s%candidates] = 1
	}
	_, pos, err := Reduce(context.Background(), scores, subsets, candidates, nil)
	require.NoError(t, err)
	for s := 0; s < subsets; s++ {
		assert.Equal(t, int32(s%candidates), pos[s])
	}
}

func TestToResultsDecodesLimits(t *testing.T) {
	unit := &dic.WorkUnit{
		Subsets:    []dic.Subset{dic.SquareSubset(dic.Point{X: 5, Y: 5}, 1), dic.SquareSubset(dic.Point{X: 9, Y: 9}, 1)},
		Limits:     []deformation.Limits{{-1, 1, 1, -2, 2, 1}, {-1, 1, 1, -2, 2, 1}},
		Order:      deformation.Zero,
		UsesLimits: true,
	}
	// offset 4 + position 3 = index 7 → u = -1 + 7%3 = 0, v = -2 + 7/3 = 0
	res := ToResults([]float32{0.95, negInf}, []int32{3, NoPosition}, unit, 4, nil)
	require.Len(t, res, 2)
	assert.InDelta(t, 0.95, res[0].Quality, 1e-6)
	assert.Equal(t, []float64{0, 0}, res[0].Deformation)
	assert.True(t, res[1].IsSentinel())
	assert.Equal(t, -1.0, res[1].Quality)
}

func TestToResultsExplicitCandidates(t *testing.T) {
	unit := &dic.WorkUnit{
		Subsets:    []dic.Subset{dic.SquareSubset(dic.Point{}, 0)},
		Candidates: [][][]float64{{{1, 1}, {2, 3}}},
		Order:      deformation.Zero,
	}
	res := ToResults([]float32{0.5}, []int32{1}, unit, 0, nil)
	assert.Equal(t, []float64{2, 3}, res[0].Deformation)
}

func TestToResultsMissingSubsetsLogged(t *testing.T) {
	log, hook := test.NewNullLogger()
	unit := &dic.WorkUnit{
		Subsets:    make([]dic.Subset, 3),
		Candidates: [][][]float64{{{0, 0}}, {{0, 0}}, {{0, 0}}},
		Order:      deformation.Zero,
	}
	res := ToResults([]float32{0.4}, []int32{0}, unit, 0, log)
	require.Len(t, res, 3)
	assert.False(t, res[0].IsSentinel())
	assert.True(t, res[1].IsSentinel())
	assert.True(t, res[2].IsSentinel())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.ErrorIs(t, hook.LastEntry().Data[logrus.ErrorKey].(error), ErrMissingSubsetResult)
}

func TestMergeKeepsBetter(t *testing.T) {
	dst := []dic.Result{dic.Sentinel(), {Quality: 0.9, Deformation: []float64{1, 0}}}
	src := []dic.Result{{Quality: 0.3, Deformation: []float64{0, 0}}, {Quality: 0.9, Deformation: []float64{0, 0}}}
	Merge(dst, src)
	assert.Equal(t, 0.3, dst[0].Quality)
	assert.Equal(t, []float64{0, 0}, dst[1].Deformation)
}
