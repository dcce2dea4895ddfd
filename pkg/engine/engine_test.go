package engine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dicengine/pkg/config"
	"github.com/orneryd/dicengine/pkg/costmodel"
	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/kernel"
	"github.com/orneryd/dicengine/pkg/scheduler"
	"github.com/orneryd/dicengine/pkg/solver"
)

func testConfig() *config.Config {
	cfg := config.LoadDefaults()
	cfg.Device.GPUEnabled = false
	cfg.Device.Backend = "cpu"
	cfg.CostModel.CacheDir = ""
	cfg.CostModel.Benchmark = false
	cfg.CostModel.Repeats = 1
	cfg.CostModel.SubsetCounts = []int{4}
	cfg.CostModel.SubsetSizes = []int{3}
	cfg.CostModel.ImageSize = 64
	cfg.Chunking.InitialSubsets = 2
	cfg.Chunking.InitialCandidates = 16
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) (*Engine, *test.Hook) {
	t.Helper()
	log, hook := test.NewNullLogger()
	e, err := New(cfg, WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, hook
}

func shiftedUnit(t *testing.T) *dic.WorkUnit {
	t.Helper()
	a, err := imaging.Speckle(imaging.DefaultSpeckleOptions(72, 72))
	require.NoError(t, err)
	unit := &dic.WorkUnit{ImageA: a, ImageB: a.Shift(2, 1), Order: deformation.Zero, UsesLimits: true}
	for _, c := range []dic.Point{{X: 28, Y: 28}, {X: 40, Y: 36}, {X: 44, Y: 44}} {
		unit.Subsets = append(unit.Subsets, dic.SquareSubset(c, 7))
		unit.Limits = append(unit.Limits, deformation.Limits{-4, 4, 1, -4, 4, 1})
	}
	return unit
}

func TestSolveBruteForce(t *testing.T) {
	e, hook := newEngine(t, testConfig())
	results, err := e.Solve(context.Background(), shiftedUnit(t), 7)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, []float64{2, 1}, r.Deformation)
		assert.Greater(t, r.Quality, 0.999)
	}
	assert.Equal(t, "solve finished", hook.LastEntry().Message)
	assert.Greater(t, e.ChunkStats().Chunks, int64(0))
}

func TestSolveEverySolver(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	unit := shiftedUnit(t)
	for _, kind := range solver.Kinds() {
		require.NoError(t, e.SetSolver(kind, solver.DefaultConfig()))
		results, err := e.Solve(context.Background(), unit, 7)
		require.NoError(t, err, kind)
		for _, r := range results {
			assert.InDelta(t, 2, r.Deformation[0], 0.5, kind)
			assert.InDelta(t, 1, r.Deformation[1], 0.5, kind)
		}
	}
}

func TestSolveValidation(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	unit := shiftedUnit(t)

	_, err := e.Solve(context.Background(), unit, 0)
	assert.ErrorIs(t, err, ErrInvalidSubsetSize)

	unit.Limits = unit.Limits[:1]
	_, err = e.Solve(context.Background(), unit, 7)
	assert.ErrorIs(t, err, dic.ErrInvalidWorkUnit)
}

func TestSetters(t *testing.T) {
	e, _ := newEngine(t, testConfig())

	err := e.SetKernelConfiguration(kernel.Configuration{
		Variant: kernel.Variant15D, Input: kernel.InputImage, Criterion: kernel.ZNCC, Layout: kernel.Planar,
	})
	assert.ErrorIs(t, err, kernel.ErrUnsupportedConfiguration)

	cfg, err := kernel.ParseConfiguration("1d/array/znssd/planar")
	require.NoError(t, err)
	require.NoError(t, e.SetKernelConfiguration(cfg))
	e.SetInterpolation(imaging.Bicubic)

	results, err := e.Solve(context.Background(), shiftedUnit(t), 7)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, results[0].Deformation)

	assert.ErrorIs(t, e.SetChunkingPolicy(scheduler.Policy{}), scheduler.ErrInvalidPolicy)
	require.NoError(t, e.SetChunkingPolicy(scheduler.Policy{
		TargetLatency: time.Second, InitialSubsets: 1, InitialCandidates: 7, MaxSubsets: 1, MaxCandidates: 7,
	}))
	_, err = e.Solve(context.Background(), shiftedUnit(t), 7)
	require.NoError(t, err)
	// 3 subsets × ceil(81/7) candidate chunks
	assert.Equal(t, int64(36), e.ChunkStats().Chunks)

	assert.ErrorIs(t, e.SetSolver("simplex", solver.DefaultConfig()), solver.ErrUnknownSolver)
}

func TestStopFromProgressSink(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	var reports []solver.Progress
	e.SetProgressSink(solver.ProgressFunc(func(p solver.Progress) {
		reports = append(reports, p)
		e.Stop()
	}))

	results, err := e.Solve(context.Background(), shiftedUnit(t), 7)
	assert.ErrorIs(t, err, scheduler.ErrStopped)
	assert.Len(t, results, 3)
	assert.Equal(t, []solver.Progress{{Processed: 0, Total: 3}}, reports)

	// The next solve starts with the stop request cleared.
	e.SetProgressSink(nil)
	_, err = e.Solve(context.Background(), shiftedUnit(t), 7)
	assert.NoError(t, err)
}

func TestStopAfterPolicyChange(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	e.SetProgressSink(solver.ProgressFunc(func(p solver.Progress) {
		require.NoError(t, e.SetChunkingPolicy(scheduler.Policy{
			TargetLatency: time.Second, InitialSubsets: 1, InitialCandidates: 8,
		}))
		e.Stop()
	}))

	results, err := e.Solve(context.Background(), shiftedUnit(t), 7)
	assert.ErrorIs(t, err, scheduler.ErrStopped)
	assert.Len(t, results, 3)
}

func TestInitBenchmarksAndReuses(t *testing.T) {
	cfg := testConfig()
	cfg.CostModel.CacheDir = t.TempDir()
	cfg.CostModel.Benchmark = true
	cfg.Kernel.Configuration = "1d/array/zncc"

	e, _ := newEngine(t, cfg)
	require.NoError(t, e.Init(context.Background()))
	assert.Equal(t, costmodel.StateReady, e.Model().State())
	id := e.Model().Meta().BenchmarkID
	require.NoError(t, e.Close())

	again, _ := newEngine(t, cfg)
	require.NoError(t, again.Init(context.Background()))
	assert.Equal(t, costmodel.StateReady, again.Model().State())
	assert.Equal(t, id, again.Model().Meta().BenchmarkID)

	results, err := again.Solve(context.Background(), shiftedUnit(t), 7)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, results[1].Deformation)

	require.NoError(t, again.ResetCache())
	assert.Equal(t, costmodel.StateStale, again.Model().State())
}

func TestInitWithoutBenchmark(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	require.NoError(t, e.Init(context.Background()))
	assert.Equal(t, costmodel.StateStale, e.Model().State())
}

func TestClosed(t *testing.T) {
	e, _ := newEngine(t, testConfig())
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err := e.Solve(context.Background(), shiftedUnit(t), 7)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Init(context.Background()), ErrClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Solver.Kind = "annealing"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
