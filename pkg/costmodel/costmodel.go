// Package costmodel picks the fastest kernel configuration for a workload.
//
// A Model holds a performance table filled by Benchmark: for every subset
// batch size, deformation batch size and concrete kernel configuration the
// fastest observed launch time. BestConfiguration resolves the wildcard axes
// of a requested configuration against that table. Tables are persisted in
// a badger store and reused while they are younger than the freshness
// window and were measured on the same device.
//
// State machine:
//
//	Stale ──Benchmark──▶ Benchmarking ──▶ Ready
//	  ▲                                     │
//	  └──────────── Invalidate ─────────────┘
package costmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/kernel"
)

// Errors
var (
	ErrNoTable          = errors.New("costmodel: no stored performance table")
	ErrCorruptStore     = errors.New("costmodel: corrupt performance store")
	ErrBenchmarkRunning = errors.New("costmodel: benchmark already running")
)

// State is the lifecycle state of a model.
type State int

const (
	StateStale State = iota
	StateBenchmarking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateStale:
		return "stale"
	case StateBenchmarking:
		return "benchmarking"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultFreshnessWindow is how long a stored table stays valid.
const DefaultFreshnessWindow = 7 * 24 * time.Hour

// Model is the kernel cost model. BestConfiguration may be called
// concurrently; Benchmark and Invalidate take the write lock.
type Model struct {
	opts  Options
	store *Store
	log   logrus.FieldLogger
	now   func() time.Time

	mu    sync.RWMutex
	state State
	table *Table
	meta  Meta
}

// New creates a stale model. store may be nil for an in-process table.
func New(store *Store, opts Options, log logrus.FieldLogger) *Model {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Model{
		opts:  opts.withDefaults(),
		store: store,
		log:   log,
		now:   time.Now,
		state: StateStale,
		table: NewTable(),
	}
}

// State returns the current state.
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Meta returns the metadata of the loaded or measured table.
func (m *Model) Meta() Meta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

// Samples returns a copy of the table contents.
func (m *Model) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Samples()
}

// Load reads the persisted table. It reports whether the model is ready:
// a missing, outdated or foreign table leaves the model stale.
func (m *Model) Load(device string) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	table, meta, err := m.store.Load()
	if errors.Is(err, ErrNoTable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	log := m.log.WithFields(logrus.Fields{"benchmark_id": meta.BenchmarkID, "measured": meta.Timestamp})
	switch {
	case meta.Version != formatVersion:
		log.WithField("version", meta.Version).Info("performance table format changed, re-benchmarking")
		return false, nil
	case m.now().Sub(meta.Timestamp) > m.opts.FreshnessWindow:
		log.Info("performance table is stale")
		return false, nil
	case device != "" && meta.Device != device:
		log.WithField("stored_device", meta.Device).Info("performance table was measured on another device")
		return false, nil
	}

	m.mu.Lock()
	m.table, m.meta, m.state = table, meta, StateReady
	m.mu.Unlock()
	log.WithField("samples", table.Len()).Debug("performance table loaded")
	return true, nil
}

// BestConfiguration resolves the wildcard axes of requested for a launch
// with deformationCount candidates per subset. A concrete request is
// returned unchanged; without measurements the static defaults apply.
func (m *Model) BestConfiguration(requested kernel.Configuration, deformationCount int64) (kernel.Configuration, error) {
	if requested.IsConcrete() {
		if excluded, reason := kernel.Excluded(requested); excluded {
			return kernel.Configuration{}, fmt.Errorf("%w: %s: %s", kernel.ErrUnsupportedConfiguration, requested, reason)
		}
		return requested, nil
	}
	m.mu.RLock()
	var (
		best kernel.Configuration
		ok   bool
	)
	if m.state == StateReady {
		best, ok = m.table.Best(requested, deformationCount)
	}
	m.mu.RUnlock()
	if ok {
		return best, nil
	}
	return kernel.Resolve(requested)
}

// Invalidate drops the table and clears the store.
func (m *Model) Invalidate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateBenchmarking {
		return ErrBenchmarkRunning
	}
	m.table = NewTable()
	m.meta = Meta{}
	m.state = StateStale
	if m.store != nil {
		return m.store.Clear()
	}
	return nil
}

// Benchmark measures every non-excluded configuration on backend and
// replaces the table. On failure the model is left stale.
func (m *Model) Benchmark(ctx context.Context, backend kernel.Backend) error {
	m.mu.Lock()
	if m.state == StateBenchmarking {
		m.mu.Unlock()
		return ErrBenchmarkRunning
	}
	m.state = StateBenchmarking
	m.mu.Unlock()

	id := uuid.New()
	log := m.log.WithFields(logrus.Fields{"benchmark_id": id, "backend": backend.Name()})
	log.Info("benchmarking kernel configurations")
	start := m.now()

	table, err := runBattery(ctx, backend, m.opts, log)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateStale
		return err
	}
	meta := Meta{
		Version:     formatVersion,
		BenchmarkID: id,
		Timestamp:   m.now(),
		Backend:     backend.Name(),
		Device:      backend.Device().Name,
	}
	m.table, m.meta, m.state = table, meta, StateReady
	log.WithFields(logrus.Fields{"samples": table.Len(), "elapsed": m.now().Sub(start)}).Info("benchmark finished")

	if m.store != nil {
		if err := m.store.Save(table, meta); err != nil {
			log.WithError(err).Warn("failed to persist performance table")
		}
	}
	return nil
}
