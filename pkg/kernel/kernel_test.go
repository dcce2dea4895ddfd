package kernel

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/reduce"
)

func newCPUKernel(t *testing.T, cfg Configuration, limit int64) (*Kernel, *gpu.Manager) {
	t.Helper()
	m, err := gpu.NewManager(&gpu.Config{Enabled: false, MaxMemoryBytes: limit})
	require.NoError(t, err)
	log, _ := test.NewNullLogger()
	b, err := NewBackend(BackendCPU, m, log)
	require.NoError(t, err)
	k, err := New(b, cfg, log)
	require.NoError(t, err)
	t.Cleanup(k.Release)
	return k, m
}

// shiftedPair returns a speckle image and a copy translated by (2, 1).
func shiftedPair(t *testing.T) (*imaging.Image, *imaging.Image) {
	t.Helper()
	a, err := imaging.Speckle(imaging.DefaultSpeckleOptions(64, 64))
	require.NoError(t, err)
	return a, a.Shift(2, 1)
}

func translationUnit(a, b *imaging.Image, centers ...dic.Point) *dic.WorkUnit {
	unit := &dic.WorkUnit{ImageA: a, ImageB: b, Order: deformation.Zero, UsesLimits: true}
	for _, c := range centers {
		unit.Subsets = append(unit.Subsets, dic.SquareSubset(c, 7))
		unit.Limits = append(unit.Limits, deformation.Limits{-3, 3, 1, -3, 3, 1})
	}
	return unit
}

func TestRunBestFindsTranslationForEveryConfiguration(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 24, Y: 24}, dic.Point{X: 40, Y: 36})

	for _, cfg := range Enumerate(Best()) {
		t.Run(cfg.Key(), func(t *testing.T) {
			k, _ := newCPUKernel(t, cfg, 0)
			prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
			require.NoError(t, err)

			maxima, pos, err := k.RunBest(context.Background(), prog, unit, 0, 49)
			require.NoError(t, err)
			res := reduce.ToResults(maxima, pos, unit, 0, nil)
			for _, r := range res {
				require.False(t, r.IsSentinel())
				assert.Equal(t, []float64{2, 1}, r.Deformation)
				assert.Greater(t, r.Quality, 0.999)
			}
		})
	}
}

func TestRunMarksOutOfWindowCandidates(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 32, Y: 32})
	k, _ := newCPUKernel(t, DefaultConfiguration(), 0)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)

	scores, err := k.Run(context.Background(), prog, unit, 40, 20)
	require.NoError(t, err)
	require.Len(t, scores, 20)
	for c := 0; c < 9; c++ {
		assert.False(t, math.IsInf(float64(scores[c]), -1), "candidate %d", 40+c)
	}
	for c := 9; c < 20; c++ {
		assert.True(t, math.IsInf(float64(scores[c]), -1), "candidate %d", 40+c)
	}
}

func TestRunSubsetOutsideImageScoresNegInf(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 2, Y: 2})
	k, _ := newCPUKernel(t, DefaultConfiguration(), 0)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)

	maxima, pos, err := k.RunBest(context.Background(), prog, unit, 0, 49)
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(maxima[0]), -1))
	assert.Equal(t, reduce.NoPosition, pos[0])
}

func TestExplicitCandidatesMatchLimits(t *testing.T) {
	a, b := shiftedPair(t)
	limitsUnit := translationUnit(a, b, dic.Point{X: 30, Y: 28})
	lim := limitsUnit.Limits[0]
	counts, err := deformation.Counts(lim)
	require.NoError(t, err)

	var list [][]float64
	for i := int64(0); i < counts[len(counts)-1]; i++ {
		v, err := deformation.ToVector(i, lim, counts)
		require.NoError(t, err)
		list = append(list, v)
	}
	explicitUnit := &dic.WorkUnit{
		ImageA: a, ImageB: b, Order: deformation.Zero,
		Subsets:    limitsUnit.Subsets,
		Candidates: [][][]float64{list},
	}

	for _, layout := range []Layout{Interleaved, Planar} {
		cfg := DefaultConfiguration()
		cfg.Layout = layout
		k, _ := newCPUKernel(t, cfg, 0)
		pl, err := k.Prepare(7, deformation.Zero, true, imaging.Bicubic)
		require.NoError(t, err)
		pe, err := k.Prepare(7, deformation.Zero, false, imaging.Bicubic)
		require.NoError(t, err)

		fromLimits, err := k.Run(context.Background(), pl, limitsUnit, 0, len(list))
		require.NoError(t, err)
		fromList, err := k.Run(context.Background(), pe, explicitUnit, 0, len(list))
		require.NoError(t, err)
		assert.InDeltaSlice(t, fromLimits, fromList, 1e-6)
	}
}

func TestBufferCacheReusesUnchangedData(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 32, Y: 32})
	k, _ := newCPUKernel(t, DefaultConfiguration(), 0)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)

	_, err = k.Run(context.Background(), prog, unit, 0, 49)
	require.NoError(t, err)
	first := k.Stats()
	assert.Equal(t, int64(7), first.Uploads)
	assert.Equal(t, int64(1), first.Compiles)

	_, err = k.Run(context.Background(), prog, unit, 0, 49)
	require.NoError(t, err)
	second := k.Stats()
	assert.Equal(t, first.Uploads, second.Uploads)
	assert.Equal(t, first.Reuses+7, second.Reuses)

	// A new image identity and new limits re-upload exactly those buffers.
	unit.ImageB = b.Clone()
	unit.Limits[0] = deformation.Limits{-2, 2, 1, -2, 2, 1}
	_, err = k.Run(context.Background(), prog, unit, 0, 25)
	require.NoError(t, err)
	third := k.Stats()
	assert.Equal(t, second.Uploads+3, third.Uploads)
}

func TestPrepareCachesPrograms(t *testing.T) {
	k, _ := newCPUKernel(t, DefaultConfiguration(), 0)
	p1, err := k.Prepare(5, deformation.First, true, imaging.Bilinear)
	require.NoError(t, err)
	p2, err := k.Prepare(5, deformation.First, true, imaging.Bilinear)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	_, err = k.Prepare(5, deformation.First, false, imaging.Bilinear)
	require.NoError(t, err)
	assert.Equal(t, int64(2), k.Stats().Compiles)
}

func TestMemoryCeilingExhausted(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 32, Y: 32})
	k, m := newCPUKernel(t, DefaultConfiguration(), 1024)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)

	_, err = k.Run(context.Background(), prog, unit, 0, 49)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceResourceExhausted)
	assert.ErrorIs(t, err, gpu.ErrOutOfMemory)
	assert.LessOrEqual(t, m.AllocatedBytes(), int64(1024))
}

func TestReleaseFreesMemory(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 32, Y: 32})
	k, m := newCPUKernel(t, DefaultConfiguration(), 0)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)
	_, err = k.Run(context.Background(), prog, unit, 0, 49)
	require.NoError(t, err)
	assert.Positive(t, m.AllocatedBytes())

	k.Release()
	assert.Zero(t, m.AllocatedBytes())
	k.Release()

	_, err = k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = k.Run(context.Background(), prog, unit, 0, 49)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestRunRejectsMixedGeometry(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 32, Y: 32}, dic.Point{X: 20, Y: 20})
	unit.Subsets[1] = dic.SquareSubset(dic.Point{X: 20, Y: 20}, 3)
	k, _ := newCPUKernel(t, DefaultConfiguration(), 0)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)

	_, err = k.Run(context.Background(), prog, unit, 0, 49)
	assert.ErrorIs(t, err, ErrSubsetGeometry)

	unit = translationUnit(a, b, dic.Point{X: 32, Y: 32})
	small, err := k.Prepare(3, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)
	_, err = k.Run(context.Background(), small, unit, 0, 49)
	assert.ErrorIs(t, err, ErrSubsetGeometry)
}

func TestRunEmptyChunk(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 32, Y: 32})
	k, _ := newCPUKernel(t, DefaultConfiguration(), 0)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)

	scores, err := k.Run(context.Background(), prog, unit, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Zero(t, k.Stats().Launches)
}

func TestWeightedSubsetStillPeaks(t *testing.T) {
	a, b := shiftedPair(t)
	unit := translationUnit(a, b, dic.Point{X: 32, Y: 32})
	unit.Weights = []float64{3}
	k, _ := newCPUKernel(t, DefaultConfiguration(), 0)
	prog, err := k.Prepare(7, deformation.Zero, true, imaging.Bilinear)
	require.NoError(t, err)

	maxima, pos, err := k.RunBest(context.Background(), prog, unit, 0, 49)
	require.NoError(t, err)
	res := reduce.ToResults(maxima, pos, unit, 0, nil)
	assert.Equal(t, []float64{2, 1}, res[0].Deformation)
}

func TestScoreCriteria(t *testing.T) {
	// flat reference patch: zero variance
	assert.Equal(t, 0.0, Score(ZNCC, 4, 4, 2, 4, 1.5, 2))
	assert.Equal(t, 0.5, Score(ZNSSD, 4, 4, 2, 4, 1.5, 2))

	// identical patches f = g = {0, 1, 2, 3}
	sw, sf, sff := 4.0, 6.0, 14.0
	assert.InDelta(t, 1.0, Score(ZNCC, sw, sf, sf, sff, sff, sff), 1e-12)
	assert.InDelta(t, 1.0, Score(ZNSSD, sw, sf, sf, sff, sff, sff), 1e-12)
	assert.InDelta(t, 1.0, Score(NCC, sw, sf, sf, sff, sff, sff), 1e-12)

	// g = 3 - f: perfectly anti-correlated
	sfg := 0*3 + 1*2 + 2*1 + 3*0.0
	assert.InDelta(t, -1.0, Score(ZNCC, sw, sf, sf, sff, sff, sfg), 1e-12)
	assert.InDelta(t, 0.0, Score(ZNSSD, sw, sf, sf, sff, sff, sfg), 1e-12)
}

func TestDisplace(t *testing.T) {
	ux, uy := Displace(deformation.Zero, []float64{1, 2}, 5, 5)
	assert.Equal(t, 1.0, ux)
	assert.Equal(t, 2.0, uy)

	p := []float64{1, 2, 0.1, 0.2, 0.3, 0.4}
	ux, uy = Displace(deformation.First, p, 2, -1)
	assert.InDelta(t, 1+0.2-0.2, ux, 1e-12)
	assert.InDelta(t, 2+0.6-0.4, uy, 1e-12)

	q := make([]float64, 12)
	q[6], q[7], q[8] = 2, 1, 4
	ux, _ = Displace(deformation.Second, q, 1, 2)
	assert.InDelta(t, 0.5*2*1+1*2+0.5*4*4, ux, 1e-12)
}

func TestNewBackendUnknown(t *testing.T) {
	m, err := gpu.NewManager(&gpu.Config{Enabled: false})
	require.NoError(t, err)
	_, err = NewBackend("cuda", m, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)

	b, err := NewBackend("auto", m, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendCPU, b.Name())
	assert.Contains(t, Backends(), BackendOpenCL)
}
