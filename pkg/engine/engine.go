// Package engine is the public surface of the correlation engine.
//
// An Engine owns the device manager, the kernel backend, the cost model and
// the chunk scheduler. Each Solve creates a kernel bound to the best
// configuration for the work unit, runs the selected solver through the
// scheduler and releases every device buffer before returning.
//
// Example:
//
//	cfg, _ := config.Load(config.FindConfigFile())
//	eng, err := engine.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//	_ = eng.Init(ctx)
//	results, err := eng.Solve(ctx, unit, 15)
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/config"
	"github.com/orneryd/dicengine/pkg/costmodel"
	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/kernel"
	"github.com/orneryd/dicengine/pkg/logging"
	"github.com/orneryd/dicengine/pkg/scheduler"
	"github.com/orneryd/dicengine/pkg/solver"
)

// Errors
var (
	ErrClosed            = errors.New("engine: closed")
	ErrInvalidSubsetSize = errors.New("engine: subset size must be positive")
)

// Engine runs correlation work units. Solve calls are serialised; the
// setters and Stop may be called from any goroutine, including a progress
// sink during a solve.
type Engine struct {
	cfg      *config.Config
	log      logrus.FieldLogger
	closeLog func() error

	manager     *gpu.Manager
	backend     kernel.Backend
	ownsBackend bool
	store       *costmodel.Store
	model       *costmodel.Model

	solveMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	request  kernel.Configuration
	interp   imaging.Interpolation
	sched    *scheduler.Scheduler
	running  *scheduler.Scheduler // scheduler of the solve in flight
	strategy solver.Solver
	progress solver.ProgressSink
}

// Option customises New.
type Option func(*options)

type options struct {
	log      logrus.FieldLogger
	manager  *gpu.Manager
	backend  kernel.Backend
	progress solver.ProgressSink
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// WithManager uses an existing device manager.
func WithManager(m *gpu.Manager) Option {
	return func(o *options) { o.manager = m }
}

// WithBackend uses an existing backend. The engine does not close it.
func WithBackend(b kernel.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithProgressSink sets the initial progress sink.
func WithProgressSink(p solver.ProgressSink) Option {
	return func(o *options) { o.progress = p }
}

// New builds an engine from cfg (defaults when nil).
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, closeLog: func() error { return nil }, progress: o.progress}
	e.log = o.log
	if e.log == nil {
		log, closeLog, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		e.log, e.closeLog = log, closeLog
	}

	e.manager = o.manager
	if e.manager == nil {
		m, err := gpu.NewManager(gpuConfig(cfg.Device))
		if err != nil {
			e.closeLog()
			return nil, err
		}
		e.manager = m
	}

	e.backend = o.backend
	if e.backend == nil {
		b, err := kernel.NewBackend(backendName(cfg.Device.Backend), e.manager, e.log)
		if err != nil {
			e.closeLog()
			return nil, err
		}
		e.backend, e.ownsBackend = b, true
	}

	store, err := openStore(cfg.CostModel)
	if err != nil {
		e.closeBackend()
		e.closeLog()
		return nil, err
	}
	e.store = store

	// Validate already checked these parse.
	e.request, _ = kernel.ParseConfiguration(cfg.Kernel.Configuration)
	e.interp, _ = imaging.ParseInterpolation(cfg.Kernel.Interpolation)
	e.strategy, err = solver.New(solver.Kind(cfg.Solver.Kind), cfg.SolverTunables())
	if err != nil {
		e.Close()
		return nil, err
	}
	e.sched = scheduler.New(policy(cfg.Chunking), e.log)
	e.model = costmodel.New(store, costmodel.Options{
		FreshnessWindow: cfg.CostModel.FreshnessWindow,
		Repeats:         cfg.CostModel.Repeats,
		SubsetCounts:    cfg.CostModel.SubsetCounts,
		SubsetSizes:     cfg.CostModel.SubsetSizes,
		ImageSize:       cfg.CostModel.ImageSize,
		Request:         e.request,
		Interpolation:   e.interp,
	}, e.log)

	dev := e.backend.Device()
	e.log.WithFields(logrus.Fields{
		"backend":      e.backend.Name(),
		"device":       dev.Name,
		"memory_limit": config.FormatMemorySize(e.manager.MemoryLimit()),
		"solver":       e.strategy.Kind(),
		"kernel":       e.request.Key(),
	}).Info("engine ready")
	return e, nil
}

func gpuConfig(d config.DeviceConfig) *gpu.Config {
	backend, _ := gpu.ParseBackend(d.Backend)
	return &gpu.Config{
		Enabled:          d.GPUEnabled && d.Backend != "cpu",
		PreferredBackend: backend,
		MaxMemoryBytes:   d.MaxMemoryBytes,
		FallbackOnError:  d.FallbackOnError,
		DeviceID:         d.DeviceID,
	}
}

func backendName(s string) string {
	switch s {
	case "", "auto":
		return "auto"
	case "none":
		return kernel.BackendCPU
	}
	return s
}

func policy(c config.ChunkingConfig) scheduler.Policy {
	return scheduler.Policy{
		TargetLatency:     c.TargetLatency,
		InitialSubsets:    c.InitialSubsets,
		InitialCandidates: c.InitialCandidates,
		MaxSubsets:        c.MaxSubsets,
		MaxCandidates:     c.MaxCandidates,
	}
}

func openStore(c config.CostModelConfig) (*costmodel.Store, error) {
	if c.CacheDir == "" {
		return costmodel.OpenInMemory()
	}
	return costmodel.OpenStore(costmodel.StoreOptions{Dir: c.CacheDir})
}

// Init loads the persisted performance table and, when it is missing or
// stale and benchmarking is enabled, measures a new one.
func (e *Engine) Init(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	ready, err := e.model.Load(e.backend.Device().Name)
	if err != nil {
		e.log.WithError(err).Warn("performance table unreadable, ignoring it")
	}
	if ready || !e.cfg.CostModel.Benchmark {
		return nil
	}
	return e.Benchmark(ctx)
}

// Benchmark re-measures the performance table unconditionally.
func (e *Engine) Benchmark(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.model.Benchmark(ctx, e.backend)
}

// ResetCache drops the persisted performance table.
func (e *Engine) ResetCache() error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.model.Invalidate()
}

// Solve runs the selected solver over unit. subsetSize is the subset
// radius the program is compiled for. On stop or cancellation the partial
// results are returned together with scheduler.ErrStopped.
func (e *Engine) Solve(ctx context.Context, unit *dic.WorkUnit, subsetSize int) ([]dic.Result, error) {
	if subsetSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSubsetSize, subsetSize)
	}
	if err := unit.Validate(); err != nil {
		return nil, err
	}

	e.solveMu.Lock()
	defer e.solveMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	request, interp := e.request, e.interp
	sched, strategy, progress := e.sched, e.strategy, e.progress
	sched.Reset()
	e.running = sched
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = nil
		e.mu.Unlock()
	}()

	id := uuid.New()
	log := e.log.WithFields(logrus.Fields{"solve_id": id, "solver": strategy.Kind()})

	kcfg, err := e.model.BestConfiguration(request, unit.MaxCandidates())
	if err != nil {
		return nil, err
	}
	k, err := kernel.New(e.backend, kcfg, log)
	if err != nil {
		return nil, err
	}
	defer k.Release()

	log.WithFields(logrus.Fields{
		"subsets":    len(unit.Subsets),
		"candidates": unit.MaxCandidates(),
		"order":      unit.Order.String(),
		"kernel":     kcfg.Key(),
	}).Info("solve started")
	start := time.Now()

	env := &solver.Env{
		Kernel:        k,
		Scheduler:     sched,
		SubsetSize:    subsetSize,
		Interpolation: interp,
		Progress:      progress,
		Log:           log,
	}
	results, err := strategy.Solve(ctx, env, unit)

	ks, ss := k.Stats(), sched.Stats()
	entry := log.WithFields(logrus.Fields{
		"elapsed":  time.Since(start),
		"chunks":   ss.Chunks,
		"retries":  ss.Retries,
		"launches": ks.Launches,
		"uploads":  ks.Uploads,
	})
	switch {
	case errors.Is(err, scheduler.ErrStopped):
		entry.Warn("solve stopped")
	case err != nil:
		entry.WithError(err).Error("solve failed")
	default:
		entry.Info("solve finished")
	}
	return results, err
}

// SetKernelConfiguration pins the kernel configuration. Wildcard axes are
// resolved per solve by the cost model.
func (e *Engine) SetKernelConfiguration(c kernel.Configuration) error {
	if c.IsConcrete() {
		if excluded, reason := kernel.Excluded(c); excluded {
			return fmt.Errorf("%w: %s: %s", kernel.ErrUnsupportedConfiguration, c, reason)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.request = c
	return nil
}

// SetInterpolation selects the sub-pixel interpolation of the deformed image.
func (e *Engine) SetInterpolation(i imaging.Interpolation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interp = i
}

// SetChunkingPolicy replaces the scheduler. It takes effect on the next
// solve; the learned chunk size starts over.
func (e *Engine) SetChunkingPolicy(p scheduler.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sched = scheduler.New(p, e.log)
	return nil
}

// SetSolver selects the strategy used by the next solve.
func (e *Engine) SetSolver(kind solver.Kind, cfg solver.Config) error {
	s, err := solver.New(kind, cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy = s
	return nil
}

// SetProgressSink sets or clears (nil) the progress sink.
func (e *Engine) SetProgressSink(p solver.ProgressSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = p
}

// Stop asks the running solve to return after its current chunk or round.
// The solve keeps the scheduler it started with even when the chunking
// policy changes under it.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running != nil {
		e.running.Stop()
	}
	e.sched.Stop()
}

// Device returns the active compute device.
func (e *Engine) Device() gpu.DeviceInfo { return e.backend.Device() }

// Model returns the kernel cost model.
func (e *Engine) Model() *costmodel.Model { return e.model }

// ChunkStats returns the scheduler counters of the current policy.
func (e *Engine) ChunkStats() scheduler.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Stats()
}

// Close releases the backend, the performance store and the log file. It
// waits for a running solve to finish.
func (e *Engine) Close() error {
	e.solveMu.Lock()
	defer e.solveMu.Unlock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if e.ownsBackend {
		errs = append(errs, e.backend.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	errs = append(errs, e.closeLog())
	return errors.Join(errs...)
}

func (e *Engine) closeBackend() {
	if e.ownsBackend {
		e.backend.Close()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
