package solver

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
)

// CoarseFine finds a coarse translation on a zero-order projection, then
// searches the full-order space around it at the declared steps.
type CoarseFine struct {
	cfg Config
}

func (*CoarseFine) Kind() Kind { return KindCoarseFine }

func (s *CoarseFine) Solve(ctx context.Context, env *Env, unit *dic.WorkUnit) ([]dic.Result, error) {
	if !unit.UsesLimits {
		return nil, ErrLimitsRequired
	}
	total := len(unit.Subsets)
	env.report(0, total)

	coarse, err := seed(ctx, env, unit, s.cfg.CoarseStep)
	if err != nil {
		return coarse, err
	}
	env.report(total/2, total)

	fine := fineUnit(unit, coarse, s.cfg.CoarseStep)
	env.logger().WithFields(logrus.Fields{"subsets": total, "candidates": fine.MaxCandidates()}).
		Debug("coarse pass done, refining")

	results, err := env.best(ctx, fine, nil)
	dic.Merge(results, coarse)
	if err != nil {
		return results, err
	}
	env.report(total, total)
	warnEmpty(env.logger(), results)
	return results, nil
}

// fineUnit centres the translation window of every subset on its coarse
// result, one coarse step either side, at the declared step. Higher-order
// coefficients keep their declared ranges. Subsets without a coarse result
// keep their full limits.
func fineUnit(unit *dic.WorkUnit, coarse []dic.Result, coarseStep float64) *dic.WorkUnit {
	out := &dic.WorkUnit{
		ImageA:     unit.ImageA,
		ImageB:     unit.ImageB,
		Subsets:    unit.Subsets,
		Weights:    unit.Weights,
		Order:      unit.Order,
		UsesLimits: true,
		Limits:     make([]deformation.Limits, len(unit.Limits)),
	}
	for i, l := range unit.Limits {
		fl := l.Clone()
		if !coarse[i].IsSentinel() {
			for c := 0; c < 2; c++ {
				if l.Max(c) <= l.Min(c) {
					continue
				}
				half := math.Max(l.Step(c), coarseStep)
				center := coarse[i].Deformation[c]
				fl[3*c] = math.Max(l.Min(c), alignDown(center-half, l.Min(c), l.Step(c)))
				fl[3*c+1] = math.Min(l.Max(c), center+half)
			}
		}
		out.Limits[i] = fl
	}
	return out
}

// alignDown snaps v down onto the grid min + k·step.
func alignDown(v, min, step float64) float64 {
	k := math.Floor((v-min)/step + 1e-9)
	return min + k*step
}
