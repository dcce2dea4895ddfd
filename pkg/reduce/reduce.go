// Package reduce turns raw correlation scores into per-subset results.
//
// Scores arrive subset-major, candidate-minor. Reduce finds the maximum of
// every subset row in parallel, then a second pass locates the position of
// that maximum, resolving ties towards the candidate with the smallest
// deformation norm.
package reduce

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
)

// Errors
var (
	// ErrMissingSubsetResult means fewer maxima than subsets reached the
	// mapping stage. It is logged and replaced by sentinels.
	ErrMissingSubsetResult = errors.New("reduce: missing subset result")
	ErrScoreShape          = errors.New("reduce: score buffer does not match shape")
)

// NoPosition marks a subset whose row held no finite score.
const NoPosition = int32(-1)

// TieNorm returns the deformation norm of candidate c of subset s. It is
// only called for candidates whose score equals the row maximum.
type TieNorm func(subset, candidate int) float64

// rowsPerTask bounds the work of a single errgroup task.
const rowsPerTask = 64

// Reduce returns the per-subset maximum and its candidate position. Rows
// without a finite score yield -Inf and NoPosition. A nil tie falls back to
// the lowest position.
func Reduce(ctx context.Context, scores []float32, subsets, candidates int, tie TieNorm) ([]float32, []int32, error) {
	if subsets < 0 || candidates < 0 || len(scores) != subsets*candidates {
		return nil, nil, fmt.Errorf("%w: %d scores for %d×%d", ErrScoreShape, len(scores), subsets, candidates)
	}
	maxima := make([]float32, subsets)
	positions := make([]int32, subsets)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for lo := 0; lo < subsets; lo += rowsPerTask {
		hi := min(lo+rowsPerTask, subsets)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for s := lo; s < hi; s++ {
				row := scores[s*candidates : (s+1)*candidates]
				maxima[s] = rowMax(row)
				positions[s] = locate(row, maxima[s], s, tie)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return maxima, positions, nil
}

func rowMax(row []float32) float32 {
	best := float32(math.Inf(-1))
	for _, v := range row {
		if v > best {
			best = v
		}
	}
	return best
}

func locate(row []float32, best float32, s int, tie TieNorm) int32 {
	if math.IsInf(float64(best), -1) {
		return NoPosition
	}
	pos := NoPosition
	bestNorm := math.Inf(1)
	for c, v := range row {
		if v != best {
			continue
		}
		if tie == nil {
			return int32(c)
		}
		if n := tie(s, c); pos == NoPosition || n < bestNorm {
			pos, bestNorm = int32(c), n
		}
	}
	return pos
}

// Candidate decodes the deformation vector at absolute candidate index idx
// of subset s of unit. ok is false when idx lies outside the window.
func Candidate(unit *dic.WorkUnit, s int, idx int64) ([]float64, bool) {
	if unit.UsesLimits {
		lim := unit.Limits[s]
		counts, err := deformation.Counts(lim)
		if err != nil || idx < 0 || idx >= counts[len(counts)-1] {
			return nil, false
		}
		v, err := deformation.ToVector(idx, lim, counts)
		return v, err == nil
	}
	list := unit.Candidates[s]
	if idx < 0 || idx >= int64(len(list)) {
		return nil, false
	}
	return append([]float64(nil), list[idx]...), true
}

// NormOf builds a TieNorm over a chunk of unit whose positions are relative
// to offset.
func NormOf(unit *dic.WorkUnit, offset int64) TieNorm {
	return func(s, c int) float64 {
		v, ok := Candidate(unit, s, offset+int64(c))
		if !ok {
			return math.Inf(1)
		}
		return deformation.Norm(v)
	}
}

// ToResults maps maxima and chunk-local positions back to deformation
// vectors. Subsets without a valid maximum get the sentinel result.
func ToResults(maxima []float32, positions []int32, unit *dic.WorkUnit, offset int64, log logrus.FieldLogger) []dic.Result {
	n := len(unit.Subsets)
	out := dic.Sentinels(n)
	have := min(len(maxima), len(positions))
	if have < n && log != nil {
		log.WithFields(logrus.Fields{"subsets": n, "results": have}).
			WithError(ErrMissingSubsetResult).Warn("inserting sentinel results")
	}
	empty := 0
	for s := 0; s < min(have, n); s++ {
		q := float64(maxima[s])
		if positions[s] == NoPosition || math.IsNaN(q) || math.IsInf(q, 0) {
			empty++
			continue
		}
		v, ok := Candidate(unit, s, offset+int64(positions[s]))
		if !ok {
			empty++
			continue
		}
		out[s] = dic.Result{Quality: q, Deformation: v}
	}
	if empty > 0 && log != nil {
		log.WithFields(logrus.Fields{"subsets": empty, "offset": offset}).
			Debug("subsets without a valid candidate in chunk")
	}
	return out
}

// Merge keeps the better result per subset in dst.
func Merge(dst, src []dic.Result) {
	dic.Merge(dst, src)
}
