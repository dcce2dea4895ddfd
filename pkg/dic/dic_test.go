package dic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/imaging"
)

func images(t *testing.T) (*imaging.Image, *imaging.Image) {
	t.Helper()
	a, err := imaging.New(32, 32)
	require.NoError(t, err)
	b, err := imaging.New(32, 32)
	require.NoError(t, err)
	return a, b
}

func TestSquareSubset(t *testing.T) {
	s := SquareSubset(Point{X: 10, Y: 12}, 2)
	assert.Len(t, s.Points, 25)
	assert.Equal(t, Point{X: -2, Y: -2}, s.Points[0])
	assert.Equal(t, Point{X: 2, Y: 2}, s.Points[24])
}

func TestGrid(t *testing.T) {
	subsets := Grid(64, 48, 5, 10, 2)
	require.NotEmpty(t, subsets)
	for _, s := range subsets {
		assert.GreaterOrEqual(t, s.Center.X, 7.0)
		assert.Less(t, s.Center.X, 57.0)
		assert.Less(t, s.Center.Y, 41.0)
	}
}

func TestValidate(t *testing.T) {
	a, b := images(t)
	subsets := []Subset{SquareSubset(Point{X: 10, Y: 10}, 3), SquareSubset(Point{X: 20, Y: 20}, 3)}
	limits := []deformation.Limits{{-1, 1, 1, -1, 1, 1}, {-1, 1, 1, -1, 1, 1}}

	t.Run("valid limits", func(t *testing.T) {
		w := &WorkUnit{ImageA: a, ImageB: b, Subsets: subsets, Limits: limits, UsesLimits: true}
		assert.NoError(t, w.Validate())
	})

	t.Run("length mismatch", func(t *testing.T) {
		w := &WorkUnit{ImageA: a, ImageB: b, Subsets: subsets, Limits: limits[:1], UsesLimits: true}
		assert.ErrorIs(t, w.Validate(), ErrInvalidWorkUnit)
	})

	t.Run("weights mismatch", func(t *testing.T) {
		w := &WorkUnit{ImageA: a, ImageB: b, Subsets: subsets, Limits: limits, UsesLimits: true, Weights: []float64{1}}
		assert.ErrorIs(t, w.Validate(), ErrInvalidWorkUnit)
	})

	t.Run("order mismatch", func(t *testing.T) {
		w := &WorkUnit{ImageA: a, ImageB: b, Subsets: subsets, Limits: limits, UsesLimits: true, Order: deformation.First}
		assert.ErrorIs(t, w.Validate(), deformation.ErrInvalidSearchSpace)
	})

	t.Run("explicit candidates", func(t *testing.T) {
		w := &WorkUnit{ImageA: a, ImageB: b, Subsets: subsets,
			Candidates: [][][]float64{{{0, 0}, {1, 0}}, {{0, 1}}}}
		require.NoError(t, w.Validate())
		assert.Equal(t, []int64{2, 1}, w.CandidateCounts())
		assert.Equal(t, int64(2), w.MaxCandidates())

		w.Candidates[1] = [][]float64{{0, 1, 2}}
		assert.ErrorIs(t, w.Validate(), deformation.ErrInvalidSearchSpace)
	})

	t.Run("missing image", func(t *testing.T) {
		w := &WorkUnit{ImageA: a, Subsets: subsets, Limits: limits, UsesLimits: true}
		assert.ErrorIs(t, w.Validate(), ErrInvalidWorkUnit)
	})
}

func TestSubsetRange(t *testing.T) {
	a, b := images(t)
	w := &WorkUnit{
		ImageA: a, ImageB: b,
		Subsets:    Grid(32, 32, 2, 5, 0),
		Order:      deformation.Zero,
		UsesLimits: true,
	}
	for range w.Subsets {
		w.Limits = append(w.Limits, deformation.Limits{-1, 1, 1, 0, 0, 0})
		w.Weights = append(w.Weights, 3)
	}
	part := w.SubsetRange(1, 3)
	assert.Len(t, part.Subsets, 2)
	assert.Len(t, part.Limits, 2)
	assert.Len(t, part.Weights, 2)
	assert.Equal(t, w.Subsets[1].Center, part.Subsets[0].Center)
	assert.Equal(t, []int64{3, 3}, part.CandidateCounts())
}

func TestBetter(t *testing.T) {
	hi := Result{Quality: 0.9, Deformation: []float64{3, 0}}
	lo := Result{Quality: 0.8, Deformation: []float64{0, 0}}
	assert.True(t, Better(hi, lo))
	assert.False(t, Better(lo, hi))

	near := Result{Quality: 0.9, Deformation: []float64{1, 0}}
	assert.True(t, Better(near, hi), "equal quality prefers the smaller norm")
	assert.False(t, Better(hi, near))

	assert.True(t, Better(lo, Sentinel()))
	assert.False(t, Better(Result{Quality: math.NaN(), Deformation: []float64{0, 0}}, Sentinel()))
}

func TestMerge(t *testing.T) {
	dst := Sentinels(3)
	Merge(dst, []Result{{Quality: 0.5, Deformation: []float64{1, 1}}, Sentinel()})
	assert.Equal(t, 0.5, dst[0].Quality)
	assert.True(t, dst[1].IsSentinel())
	assert.True(t, dst[2].IsSentinel())
}
