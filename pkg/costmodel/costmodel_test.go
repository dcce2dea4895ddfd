package costmodel

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/kernel"
)

func mustParse(t *testing.T, key string) kernel.Configuration {
	t.Helper()
	c, err := kernel.ParseConfiguration(key)
	require.NoError(t, err)
	require.True(t, c.IsConcrete())
	return c
}

func sampleTable(t *testing.T) *Table {
	tbl := NewTable()
	oneD := mustParse(t, "1d/array/zncc/interleaved")
	twoD := mustParse(t, "2d/array/zncc/interleaved")
	for _, sb := range []int{64, 512} {
		tbl.Record(Sample{SubsetBatch: sb, DeformationBatch: 100, Config: oneD, Elapsed: 1 * time.Millisecond})
		tbl.Record(Sample{SubsetBatch: sb, DeformationBatch: 100, Config: twoD, Elapsed: 3 * time.Millisecond})
		tbl.Record(Sample{SubsetBatch: sb, DeformationBatch: 10000, Config: oneD, Elapsed: 90 * time.Millisecond})
		tbl.Record(Sample{SubsetBatch: sb, DeformationBatch: 10000, Config: twoD, Elapsed: 40 * time.Millisecond})
	}
	return tbl
}

func TestTableBestNearestBatch(t *testing.T) {
	tbl := sampleTable(t)

	best, ok := tbl.Best(kernel.Best(), 150)
	require.True(t, ok)
	assert.Equal(t, "1d/array/zncc/interleaved", best.Key())

	best, ok = tbl.Best(kernel.Best(), 9000)
	require.True(t, ok)
	assert.Equal(t, "2d/array/zncc/interleaved", best.Key())

	best, ok = tbl.Best(kernel.Configuration{Variant: kernel.Variant2D}, 150)
	require.True(t, ok)
	assert.Equal(t, kernel.Variant2D, best.Variant)

	_, ok = tbl.Best(kernel.Configuration{Criterion: kernel.NCC}, 150)
	assert.False(t, ok)
}

func TestTableRecordKeepsMinimum(t *testing.T) {
	tbl := NewTable()
	cfg := mustParse(t, "1d/array/ncc/planar")
	tbl.Record(Sample{SubsetBatch: 1, DeformationBatch: 1, Config: cfg, Elapsed: 5 * time.Millisecond})
	tbl.Record(Sample{SubsetBatch: 1, DeformationBatch: 1, Config: cfg, Elapsed: 2 * time.Millisecond})
	tbl.Record(Sample{SubsetBatch: 1, DeformationBatch: 1, Config: cfg, Elapsed: 9 * time.Millisecond})
	require.Equal(t, 1, tbl.Len())
	assert.Equal(t, 2*time.Millisecond, tbl.Samples()[0].Elapsed)
}

func TestTableBestTieBreaksOnKey(t *testing.T) {
	tbl := NewTable()
	for _, key := range []string{"2d/array/znssd/planar", "1d/image/ncc/interleaved", "15d/array/zncc/planar"} {
		tbl.Record(Sample{SubsetBatch: 8, DeformationBatch: 50, Config: mustParse(t, key), Elapsed: time.Millisecond})
	}
	best, ok := tbl.Best(kernel.Best(), 50)
	require.True(t, ok)
	assert.Equal(t, "15d/array/zncc/planar", best.Key())
}

func TestTableBestIgnoresPartialCoverage(t *testing.T) {
	tbl := NewTable()
	full := mustParse(t, "2d/array/zncc/interleaved")
	partial := mustParse(t, "1d/array/zncc/interleaved")
	tbl.Record(Sample{SubsetBatch: 8, DeformationBatch: 50, Config: full, Elapsed: 2 * time.Millisecond})
	tbl.Record(Sample{SubsetBatch: 64, DeformationBatch: 50, Config: full, Elapsed: 2 * time.Millisecond})
	tbl.Record(Sample{SubsetBatch: 8, DeformationBatch: 50, Config: partial, Elapsed: 3 * time.Millisecond})

	best, ok := tbl.Best(kernel.Best(), 50)
	require.True(t, ok)
	assert.Equal(t, full, best)
}

func TestBestConfigurationWithoutTable(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := New(nil, Options{}, log)
	assert.Equal(t, StateStale, m.State())

	cfg, err := m.BestConfiguration(kernel.Best(), 1000)
	require.NoError(t, err)
	assert.Equal(t, kernel.DefaultConfiguration(), cfg)

	cfg, err = m.BestConfiguration(kernel.Configuration{Variant: kernel.Variant15D}, 1000)
	require.NoError(t, err)
	assert.Equal(t, "15d/array/zncc/interleaved", cfg.Key())

	concrete := mustParse(t, "1d/image/ncc/planar")
	cfg, err = m.BestConfiguration(concrete, 1)
	require.NoError(t, err)
	assert.Equal(t, concrete, cfg)

	_, err = m.BestConfiguration(kernel.Configuration{
		Variant: kernel.Variant15D, Input: kernel.InputImage, Criterion: kernel.ZNCC, Layout: kernel.Planar,
	}, 1)
	assert.ErrorIs(t, err, kernel.ErrUnsupportedConfiguration)
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(StoreOptions{Dir: dir})
	require.NoError(t, err)

	_, _, err = store.Load()
	assert.ErrorIs(t, err, ErrNoTable)

	tbl := sampleTable(t)
	meta := Meta{Timestamp: time.Now().Truncate(time.Second), Backend: "cpu", Device: "test"}
	require.NoError(t, store.Save(tbl, meta))
	require.NoError(t, store.Close())

	store, err = OpenStore(StoreOptions{Dir: dir})
	require.NoError(t, err)
	defer store.Close()
	loaded, gotMeta, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, tbl.Samples(), loaded.Samples())
	assert.Equal(t, formatVersion, gotMeta.Version)
	assert.Equal(t, "test", gotMeta.Device)
	assert.True(t, meta.Timestamp.Equal(gotMeta.Timestamp))

	require.NoError(t, store.Clear())
	_, _, err = store.Load()
	assert.ErrorIs(t, err, ErrNoTable)
}

func TestSampleKeyRoundTrip(t *testing.T) {
	smp := Sample{SubsetBatch: 512, DeformationBatch: 1 << 40, Config: mustParse(t, "15d/array/znssd/planar")}
	got, err := parseSampleKey(sampleKey(smp))
	require.NoError(t, err)
	assert.Equal(t, smp, got)

	_, err = parseSampleKey([]byte{prefixSample, 'x'})
	assert.ErrorIs(t, err, ErrCorruptStore)
}

func TestLoadFreshness(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(sampleTable(t), Meta{Timestamp: time.Now(), Device: "gpu0"}))

	log, _ := test.NewNullLogger()
	m := New(store, Options{FreshnessWindow: time.Hour}, log)

	ready, err := m.Load("gpu1")
	require.NoError(t, err)
	assert.False(t, ready)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ready, err = m.Load("gpu0")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, StateStale, m.State())

	m.now = time.Now
	ready, err = m.Load("gpu0")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, StateReady, m.State())

	cfg, err := m.BestConfiguration(kernel.Best(), 20000)
	require.NoError(t, err)
	assert.Equal(t, "2d/array/zncc/interleaved", cfg.Key())
}

func TestBenchmarkAndPersist(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	mgr, err := gpu.NewManager(&gpu.Config{Enabled: false})
	require.NoError(t, err)
	log, _ := test.NewNullLogger()
	backend, err := kernel.NewBackend(kernel.BackendCPU, mgr, log)
	require.NoError(t, err)

	opts := Options{
		Repeats:      1,
		SubsetCounts: []int{4},
		SubsetSizes:  []int{3},
		ImageSize:    64,
		Shapes: []Shape{
			{Name: "small", Order: deformation.Zero, UsesLimits: true, Limits: deformation.Limits{-2, 2, 1, -2, 2, 1}},
			{Name: "central", Order: deformation.First, Stencil: deformation.CentralStencil, Step: 0.01},
		},
		Request: kernel.Configuration{Variant: kernel.Variant1D, Criterion: kernel.ZNCC},
	}
	m := New(store, opts, log)
	require.NoError(t, m.Benchmark(context.Background(), backend))
	assert.Equal(t, StateReady, m.State())

	samples := m.Samples()
	// 4 configurations × 2 shapes × 1 subset batch
	assert.Len(t, samples, 8)
	for _, s := range samples {
		assert.Equal(t, kernel.Variant1D, s.Config.Variant)
		assert.Contains(t, []int64{25, 13}, s.DeformationBatch)
	}
	assert.Equal(t, kernel.BackendCPU, m.Meta().Backend)
	assert.Zero(t, mgr.AllocatedBytes())

	reloaded := New(store, opts, log)
	ready, err := reloaded.Load(backend.Device().Name)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, m.Meta().BenchmarkID, reloaded.Meta().BenchmarkID)
	assert.Len(t, reloaded.Samples(), 8)

	require.NoError(t, reloaded.Invalidate())
	assert.Equal(t, StateStale, reloaded.State())
	_, _, err = store.Load()
	assert.ErrorIs(t, err, ErrNoTable)
}

func TestBenchmarkCancelled(t *testing.T) {
	mgr, err := gpu.NewManager(&gpu.Config{Enabled: false})
	require.NoError(t, err)
	log, _ := test.NewNullLogger()
	backend, err := kernel.NewBackend(kernel.BackendCPU, mgr, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(nil, Options{SubsetCounts: []int{2}, SubsetSizes: []int{3}, ImageSize: 64}, log)
	assert.ErrorIs(t, m.Benchmark(ctx, backend), context.Canceled)
	assert.Equal(t, StateStale, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "benchmarking", StateBenchmarking.String())
	assert.Equal(t, "stale", StateStale.String())
}
