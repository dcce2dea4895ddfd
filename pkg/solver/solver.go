// Package solver implements the search strategies layered on the kernel.
//
// Every solver takes a work unit and returns one result per subset in the
// same order. Solvers drive the scheduler: the reduced path (per-subset best
// candidate) serves exhaustive rounds, the raw path (every score) serves
// the refinement solvers that need the shape of the correlation surface.
//
// Available kinds:
//   - bruteforce: one exhaustive pass over the declared search space
//   - coarsefine: zero-order pass with a coarse step, then a full-order pass
//     around the coarse translation
//   - newton-forward, newton-central, newton-sift: Newton-Raphson
//     refinement with forward, central or mixed-central Hessians
//   - spgd: simultaneous perturbation gradient descent
package solver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/kernel"
	"github.com/orneryd/dicengine/pkg/reduce"
	"github.com/orneryd/dicengine/pkg/scheduler"
)

// Errors
var (
	ErrUnknownSolver = errors.New("solver: unknown solver")
	// ErrSingularRefinement marks a subset whose Hessian could not be
	// solved. It is logged and the subset keeps its best result.
	ErrSingularRefinement = errors.New("solver: singular refinement")
	ErrLimitsRequired     = errors.New("solver: strategy requires limits")
	ErrInvalidConfig      = errors.New("solver: invalid configuration")
)

// Kind names a solver strategy.
type Kind string

const (
	KindBruteForce    Kind = "bruteforce"
	KindCoarseFine    Kind = "coarsefine"
	KindNewtonForward Kind = "newton-forward"
	KindNewtonCentral Kind = "newton-central"
	KindNewtonSIFT    Kind = "newton-sift"
	KindSPGD          Kind = "spgd"
)

// Solver is a search strategy.
type Solver interface {
	Kind() Kind
	Solve(ctx context.Context, env *Env, unit *dic.WorkUnit) ([]dic.Result, error)
}

// Config holds the tunables of every strategy. Unused fields are ignored by
// strategies that do not need them.
type Config struct {
	// CoarseStep is the minimum translation step of coarse passes in px.
	CoarseStep float64
	// StepReduction divides the declared step to get the refinement step.
	StepReduction float64
	// NewtonRounds caps Newton-Raphson iterations.
	NewtonRounds int
	// Improvement is the per-round quality gain below which a subset stops.
	Improvement float64
	// SingularCondition is the Hessian condition number treated as singular.
	SingularCondition float64
	// FullStencilLimit bounds the dense 5^n forward grid; larger
	// coefficient counts use the explicit forward stencil.
	FullStencilLimit int64
	// SPGDRounds caps SPGD iterations.
	SPGDRounds int
	// Gain scales the SPGD update.
	Gain float64
	// TargetQuality stops an SPGD subset once reached.
	TargetQuality float64
	// DerivativeThreshold stops an SPGD subset whose directional derivative
	// magnitude falls below it.
	DerivativeThreshold float64
	// Workers bounds the SPGD task pool (0 = GOMAXPROCS).
	Workers int
	// Seed seeds the per-subset SPGD perturbation streams.
	Seed uint64
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		CoarseStep:          1,
		StepReduction:       10,
		NewtonRounds:        50,
		Improvement:         0.005,
		SingularCondition:   1e12,
		FullStencilLimit:    625,
		SPGDRounds:          200,
		Gain:                100,
		TargetQuality:       0.999,
		DerivativeThreshold: 1e-6,
		Seed:                1,
	}
}

// Validate checks c.
func (c Config) Validate() error {
	switch {
	case c.CoarseStep <= 0:
		return fmt.Errorf("%w: coarse step %g", ErrInvalidConfig, c.CoarseStep)
	case c.StepReduction < 1:
		return fmt.Errorf("%w: step reduction %g", ErrInvalidConfig, c.StepReduction)
	case c.NewtonRounds <= 0 || c.SPGDRounds <= 0:
		return fmt.Errorf("%w: round caps must be positive", ErrInvalidConfig)
	case c.SingularCondition <= 1:
		return fmt.Errorf("%w: singular condition %g", ErrInvalidConfig, c.SingularCondition)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers %d", ErrInvalidConfig, c.Workers)
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Factory builds a solver from its configuration.
type Factory func(cfg Config) Solver

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Factory{
		KindBruteForce:    func(Config) Solver { return &BruteForce{} },
		KindCoarseFine:    func(cfg Config) Solver { return &CoarseFine{cfg: cfg} },
		KindNewtonForward: func(cfg Config) Solver { return NewNewton(deformation.ForwardStencil, cfg) },
		KindNewtonCentral: func(cfg Config) Solver { return NewNewton(deformation.CentralStencil, cfg) },
		KindNewtonSIFT:    func(cfg Config) Solver { return NewNewton(deformation.MixedStencil, cfg) },
		KindSPGD:          func(cfg Config) Solver { return NewSPGD(cfg) },
	}
)

// Register adds or replaces a strategy.
func Register(kind Kind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Kinds lists the registered strategies.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// New builds the strategy registered under kind.
func New(kind Kind, cfg Config) (Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSolver, kind)
	}
	return f(cfg), nil
}

// ParseKind validates a strategy name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	registryMu.RLock()
	_, ok := registry[k]
	registryMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSolver, s)
	}
	return k, nil
}

// Env is what a solver needs from the engine for one solve.
type Env struct {
	Kernel        *kernel.Kernel
	Scheduler     *scheduler.Scheduler
	SubsetSize    int
	Interpolation imaging.Interpolation
	Progress      ProgressSink
	Log           logrus.FieldLogger
}

func (e *Env) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

func (e *Env) report(processed, total int) {
	if e.Progress != nil {
		e.Progress.Report(Progress{Processed: processed, Total: total})
	}
}

// checkStop returns ErrStopped when a stop was requested or ctx is done.
func (e *Env) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", scheduler.ErrStopped, err)
	}
	if e.Scheduler.Stopped() {
		return scheduler.ErrStopped
	}
	return nil
}

func (e *Env) prepare(unit *dic.WorkUnit) (*kernel.Program, error) {
	return e.Kernel.Prepare(e.SubsetSize, unit.Order, unit.UsesLimits, e.Interpolation)
}

// best runs the reduced path over unit and returns the best candidate of
// every subset. On ErrStopped the results accumulated so far are returned
// with the error. onBand is called with the number of subsets whose whole
// candidate range completed.
func (e *Env) best(ctx context.Context, unit *dic.WorkUnit, onBand func(done int)) ([]dic.Result, error) {
	results := dic.Sentinels(len(unit.Subsets))
	prog, err := e.prepare(unit)
	if err != nil {
		return results, err
	}
	total := unit.MaxCandidates()
	log := e.logger()
	err = e.Scheduler.Execute(ctx, unit, func(ctx context.Context, c scheduler.Chunk) error {
		maxima, positions, err := e.Kernel.RunBest(ctx, prog, c.Unit, c.CandidateStart, c.Candidates())
		if err != nil {
			return err
		}
		part := reduce.ToResults(maxima, positions, c.Unit, c.CandidateStart, log)
		reduce.Merge(results[c.SubsetStart:c.SubsetEnd], part)
		if onBand != nil && c.CandidateEnd == total {
			onBand(c.Subsets())
		}
		return nil
	})
	return results, err
}

// scores runs the raw path over unit and returns one score row per subset,
// each MaxCandidates long.
func (e *Env) scores(ctx context.Context, unit *dic.WorkUnit) ([][]float32, error) {
	prog, err := e.prepare(unit)
	if err != nil {
		return nil, err
	}
	total := unit.MaxCandidates()
	rows := make([][]float32, len(unit.Subsets))
	for i := range rows {
		rows[i] = make([]float32, total)
	}
	err = e.Scheduler.Execute(ctx, unit, func(ctx context.Context, c scheduler.Chunk) error {
		out, err := e.Kernel.Run(ctx, prog, c.Unit, c.CandidateStart, c.Candidates())
		if err != nil {
			return err
		}
		n := c.Candidates()
		for s := 0; s < c.Subsets(); s++ {
			copy(rows[c.SubsetStart+s][c.CandidateStart:c.CandidateEnd], out[s*n:(s+1)*n])
		}
		return nil
	})
	return rows, err
}

// warnEmpty logs subsets that ended without any valid candidate.
func warnEmpty(log logrus.FieldLogger, results []dic.Result) {
	empty := 0
	for _, r := range results {
		if r.IsSentinel() {
			empty++
		}
	}
	if empty > 0 {
		log.WithFields(logrus.Fields{"subsets": empty, "total": len(results)}).
			Warn("subsets without a valid candidate in their search window")
	}
}

// coarseUnit projects unit to zero order with a translation step of at
// least coarseStep.
func coarseUnit(unit *dic.WorkUnit, coarseStep float64) *dic.WorkUnit {
	out := &dic.WorkUnit{
		ImageA:     unit.ImageA,
		ImageB:     unit.ImageB,
		Subsets:    unit.Subsets,
		Weights:    unit.Weights,
		Order:      deformation.Zero,
		UsesLimits: true,
		Limits:     make([]deformation.Limits, len(unit.Limits)),
	}
	for i, l := range unit.Limits {
		p := deformation.Project(l, deformation.Zero)
		for c := 0; c < 2; c++ {
			if p.Max(c) > p.Min(c) {
				p[3*c+2] = max(p.Step(c), coarseStep)
			}
		}
		out.Limits[i] = p
	}
	return out
}

// expand lifts zero-order results to full-order vectors, clamped into the
// declared limits.
func expand(coarse []dic.Result, unit *dic.WorkUnit) []dic.Result {
	out := make([]dic.Result, len(coarse))
	for i, r := range coarse {
		if r.IsSentinel() {
			out[i] = dic.Sentinel()
			continue
		}
		v := deformation.ZeroVector(unit.Order)
		copy(v, r.Deformation)
		out[i] = dic.Result{Quality: r.Quality, Deformation: deformation.Clamp(v, unit.Limits[i])}
	}
	return out
}

// seed runs the coarse translation pass shared by the refinement solvers.
func seed(ctx context.Context, env *Env, unit *dic.WorkUnit, coarseStep float64) ([]dic.Result, error) {
	coarse, err := env.best(ctx, coarseUnit(unit, coarseStep), nil)
	return expand(coarse, unit), err
}
