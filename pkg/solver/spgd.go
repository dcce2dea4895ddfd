package solver

import (
	"context"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
)

// SPGD refines a coarse translation by simultaneous perturbation gradient
// descent. Every round evaluates x, x−p and x+p for a random sign vector p
// scaled by the refinement step, and moves x by Gain·p·d where d is the
// directional derivative (f(x+p) − f(x−p)) / 2. A subset stops when it
// reaches TargetQuality, when |d| falls below DerivativeThreshold, or after
// SPGDRounds rounds.
//
// The kernel serialises submissions, so a round scores the three samples of
// every active subset in one batched launch. Only the per-subset updates run
// on the worker pool.
type SPGD struct {
	cfg Config
}

// NewSPGD returns an SPGD solver.
func NewSPGD(cfg Config) *SPGD { return &SPGD{cfg: cfg} }

func (s *SPGD) Kind() Kind { return KindSPGD }

// perturbation is the SPGD state of one subset.
type perturbation struct {
	*refinement
	rng *rand.Rand
	p   []float64
}

func (s *SPGD) Solve(ctx context.Context, env *Env, unit *dic.WorkUnit) ([]dic.Result, error) {
	if !unit.UsesLimits {
		return nil, ErrLimitsRequired
	}
	total := len(unit.Subsets)
	log := env.logger().WithField("solver", s.Kind())
	env.report(0, total)

	start, err := seed(ctx, env, unit, s.cfg.CoarseStep)
	states := make([]*perturbation, total)
	refs := make([]*refinement, total)
	for i := range states {
		refs[i] = newRefinement(start[i], unit.Limits[i], s.cfg.StepReduction)
		states[i] = &perturbation{
			refinement: refs[i],
			rng:        rand.New(rand.NewPCG(s.cfg.Seed, uint64(i))),
		}
	}
	if err != nil {
		return collect(refs), err
	}

	round := 0
	for ; round < s.cfg.SPGDRounds; round++ {
		if err := env.checkStop(ctx); err != nil {
			return collect(refs), err
		}
		active := activeSubsets(refs)
		env.report(total-len(active), total)
		if len(active) == 0 {
			break
		}
		if err := s.round(ctx, env, unit, states, active); err != nil {
			return collect(refs), err
		}
	}
	log.WithField("rounds", round).Debug("refinement finished")
	env.report(total, total)
	results := collect(refs)
	warnEmpty(log, results)
	return results, nil
}

func (s *SPGD) round(ctx context.Context, env *Env, unit *dic.WorkUnit, states []*perturbation, active []int) error {
	sub := &dic.WorkUnit{
		ImageA:     unit.ImageA,
		ImageB:     unit.ImageB,
		Order:      unit.Order,
		Candidates: make([][][]float64, len(active)),
	}
	for k, i := range active {
		st := states[i]
		st.perturb()
		sub.Subsets = append(sub.Subsets, unit.Subsets[i])
		if unit.Weights != nil {
			sub.Weights = append(sub.Weights, unit.Weights[i])
		}
		sub.Candidates[k] = st.samples()
	}

	rows, err := env.scores(ctx, sub)
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.workers())
	for k, i := range active {
		st, row := states[i], rows[k]
		g.Go(func() error {
			s.update(st, row)
			return nil
		})
	}
	return g.Wait()
}

// perturb draws a fresh ±h sign vector over the active coefficients.
func (p *perturbation) perturb() {
	if p.p == nil {
		p.p = make([]float64, len(p.x))
	}
	for _, i := range p.active {
		if p.rng.IntN(2) == 0 {
			p.p[i] = -p.h[i]
		} else {
			p.p[i] = p.h[i]
		}
	}
}

// samples returns x, x−p and x+p.
func (p *perturbation) samples() [][]float64 {
	minus := append([]float64(nil), p.x...)
	plus := append([]float64(nil), p.x...)
	for _, i := range p.active {
		minus[i] -= p.p[i]
		plus[i] += p.p[i]
	}
	return [][]float64{append([]float64(nil), p.x...), minus, plus}
}

func (s *SPGD) update(st *perturbation, row []float32) {
	f0, fm, fp := float64(row[0]), float64(row[1]), float64(row[2])
	st.observe(f0, math.Inf(-1))
	if st.done {
		return
	}
	if f0 >= s.cfg.TargetQuality {
		st.done = true
		return
	}
	d := (fp - fm) / 2
	if math.IsNaN(d) || math.IsInf(d, 0) || math.Abs(d) < s.cfg.DerivativeThreshold {
		st.done = true
		return
	}
	for _, i := range st.active {
		st.x[i] += s.cfg.Gain * st.p[i] * d
	}
	deformation.Clamp(st.x, st.limits)
}
