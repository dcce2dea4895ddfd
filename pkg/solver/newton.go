package solver

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
)

// Newton refines a coarse translation by Newton-Raphson iteration on the
// correlation surface. Every round samples a finite-difference stencil
// around the current solution of each active subset, estimates the
// gradient and Hessian, and solves H·Δ = −g by QR. Subsets stop
// independently when the quality gain falls below the improvement
// threshold or their Hessian is singular.
//
// The forward scheme samples the dense 5^n grid through the limits path
// while it stays within FullStencilLimit, and the explicit forward stencil
// otherwise. The central scheme uses 1+2n points and a diagonal Hessian;
// the sift scheme adds the mixed corners for a full central Hessian.
type Newton struct {
	kind StencilKind
	cfg  Config
}

// StencilKind re-exports the finite-difference scheme selector.
type StencilKind = deformation.StencilKind

// NewNewton returns a Newton-Raphson solver using the given scheme.
func NewNewton(kind StencilKind, cfg Config) *Newton {
	return &Newton{kind: kind, cfg: cfg}
}

func (n *Newton) Kind() Kind {
	switch n.kind {
	case deformation.CentralStencil:
		return KindNewtonCentral
	case deformation.MixedStencil:
		return KindNewtonSIFT
	}
	return KindNewtonForward
}

// refinement is the per-subset state of an iterative solver.
type refinement struct {
	x      []float64 // current solution
	h      []float64 // refinement step per coefficient, 0 when fixed
	active []int     // coefficients being refined
	limits deformation.Limits

	best    dic.Result
	prev    float64
	started bool
	done    bool
}

func newRefinement(start dic.Result, limits deformation.Limits, reduction float64) *refinement {
	r := &refinement{best: start, prev: math.Inf(-1), limits: limits}
	if start.IsSentinel() {
		r.done = true
		return r
	}
	r.x = append([]float64(nil), start.Deformation...)
	r.h = make([]float64, len(r.x))
	for i := range r.x {
		if limits.Max(i) > limits.Min(i) {
			r.h[i] = limits.Step(i) / reduction
			r.active = append(r.active, i)
		}
	}
	if len(r.active) == 0 {
		r.done = true
	}
	return r
}

// at returns x displaced by offset (over the active coefficients) in units
// of h.
func (r *refinement) at(offset []int) []float64 {
	v := append([]float64(nil), r.x...)
	for k, i := range r.active {
		v[i] += float64(offset[k]) * r.h[i]
	}
	return v
}

func (r *refinement) activeSteps() []float64 {
	out := make([]float64, len(r.active))
	for k, i := range r.active {
		out[k] = r.h[i]
	}
	return out
}

// observe records the quality of the current solution and decides whether
// the subset has converged.
func (r *refinement) observe(q, improvement float64) {
	if math.IsNaN(q) || math.IsInf(q, 0) {
		r.done = true
		return
	}
	cand := dic.Result{Quality: q, Deformation: append([]float64(nil), r.x...)}
	if dic.Better(cand, r.best) {
		r.best = cand
	}
	if r.started && q-r.prev < improvement {
		r.done = true
	}
	r.prev, r.started = q, true
}

func (n *Newton) Solve(ctx context.Context, env *Env, unit *dic.WorkUnit) ([]dic.Result, error) {
	if !unit.UsesLimits {
		return nil, ErrLimitsRequired
	}
	total := len(unit.Subsets)
	log := env.logger().WithField("solver", n.Kind())
	env.report(0, total)

	start, err := seed(ctx, env, unit, n.cfg.CoarseStep)
	states := make([]*refinement, total)
	for i := range states {
		states[i] = newRefinement(start[i], unit.Limits[i], n.cfg.StepReduction)
	}
	if err != nil {
		return collect(states), err
	}

	round := 0
	for ; round < n.cfg.NewtonRounds; round++ {
		if err := env.checkStop(ctx); err != nil {
			return collect(states), err
		}
		active := activeSubsets(states)
		env.report(total-len(active), total)
		if len(active) == 0 {
			break
		}
		if err := n.round(ctx, env, unit, states, active, log); err != nil {
			return collect(states), err
		}
	}
	log.WithField("rounds", round).Debug("refinement finished")
	env.report(total, total)
	results := collect(states)
	warnEmpty(log, results)
	return results, nil
}

func (n *Newton) round(ctx context.Context, env *Env, unit *dic.WorkUnit, states []*refinement, active []int, log logrus.FieldLogger) error {
	maxActive := 0
	for _, s := range active {
		maxActive = max(maxActive, len(states[s].active))
	}
	dense := n.kind == deformation.ForwardStencil && deformation.GridSize(maxActive) <= n.cfg.FullStencilLimit

	sub := &dic.WorkUnit{
		ImageA:     unit.ImageA,
		ImageB:     unit.ImageB,
		Order:      unit.Order,
		UsesLimits: dense,
	}
	stencils := make([]*deformation.Stencil, len(active))
	for k, s := range active {
		st := states[s]
		sub.Subsets = append(sub.Subsets, unit.Subsets[s])
		if unit.Weights != nil {
			sub.Weights = append(sub.Weights, unit.Weights[s])
		}
		stencils[k] = deformation.NewStencil(n.kind, len(st.active))
		if dense {
			sub.Limits = append(sub.Limits, deformation.GridLimits(st.x, st.h))
		} else {
			sub.Candidates = append(sub.Candidates, stencilPoints(st, stencils[k]))
		}
	}

	rows, err := env.scores(ctx, sub)
	if err != nil {
		return err
	}

	for k, s := range active {
		st := states[s]
		score, err := n.sampler(st, stencils[k], sub, k, rows[k], dense)
		if err != nil {
			st.done = true
			log.WithError(err).WithField("subset", s).Debug("stencil lookup failed")
			continue
		}
		st.observe(score(make([]int, len(st.active))), n.cfg.Improvement)
		if st.done {
			continue
		}
		delta, err := n.step(stencils[k], score, st.activeSteps())
		if err != nil {
			st.done = true
			log.WithError(err).WithFields(logrus.Fields{"subset": s, "quality": st.best.Quality}).
				Warn("refinement stopped")
			continue
		}
		for j, i := range st.active {
			st.x[i] += delta[j]
		}
		deformation.Clamp(st.x, st.limits)
	}
	return nil
}

func stencilPoints(st *refinement, stencil *deformation.Stencil) [][]float64 {
	out := make([][]float64, len(stencil.Offsets))
	for p, off := range stencil.Offsets {
		out[p] = st.at(off)
	}
	return out
}

// sampler maps stencil offsets to scores of one subset row.
func (n *Newton) sampler(st *refinement, stencil *deformation.Stencil, sub *dic.WorkUnit, k int, row []float32, dense bool) (func([]int) float64, error) {
	if !dense {
		return func(off []int) float64 {
			p, ok := stencil.Index(off)
			if !ok {
				return math.NaN()
			}
			return float64(row[p])
		}, nil
	}
	lim := sub.Limits[k]
	counts, err := deformation.Counts(lim)
	if err != nil {
		return nil, err
	}
	return func(off []int) float64 {
		idx, err := deformation.ToIndex(st.at(off), lim, counts)
		if err != nil {
			return math.NaN()
		}
		return float64(row[idx])
	}, nil
}

// step solves H·Δ = −g for one subset.
func (n *Newton) step(stencil *deformation.Stencil, score func([]int) float64, h []float64) ([]float64, error) {
	grad, hess := stencil.Derivatives(score, h)
	dim := len(grad)
	for _, v := range grad {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite gradient", ErrSingularRefinement)
		}
	}
	for _, v := range hess {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite Hessian", ErrSingularRefinement)
		}
	}

	H := mat.NewDense(dim, dim, hess)
	var qr mat.QR
	qr.Factorize(H)
	if c := qr.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > n.cfg.SingularCondition {
		return nil, fmt.Errorf("%w: condition number %.3g", ErrSingularRefinement, c)
	}

	negGrad := mat.NewVecDense(dim, nil)
	for i, g := range grad {
		negGrad.SetVec(i, -g)
	}
	var delta mat.VecDense
	if err := qr.SolveVecTo(&delta, false, negGrad); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSingularRefinement, err)
	}
	out := make([]float64, dim)
	for i := range out {
		out[i] = delta.AtVec(i)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, fmt.Errorf("%w: non-finite step", ErrSingularRefinement)
		}
	}
	return out, nil
}

func activeSubsets(states []*refinement) []int {
	var out []int
	for i, st := range states {
		if !st.done {
			out = append(out, i)
		}
	}
	return out
}

func collect(states []*refinement) []dic.Result {
	out := make([]dic.Result, len(states))
	for i, st := range states {
		out[i] = st.best
	}
	return out
}
