// Package dic defines the problem model of the correlation engine: subsets,
// work units and correlation results.
//
// A WorkUnit is an immutable description of one batch handed to the
// scheduler. Solvers build a fresh WorkUnit for every round (narrowed limits,
// explicit stencil candidates, ...) and discard it after reduction.
package dic

import (
	"errors"
	"fmt"
	"math"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/imaging"
)

// Errors
var (
	ErrInvalidWorkUnit = errors.New("dic: invalid work unit")
)

// Point is a location or offset in pixel coordinates.
type Point struct {
	X float64
	Y float64
}

// Subset is a patch of the reference image. Points are offsets relative to
// Center; identity is positional.
type Subset struct {
	Center Point
	Points []Point
}

// SquareSubset builds the (2r+1)² square patch of radius r around center.
func SquareSubset(center Point, radius int) Subset {
	side := 2*radius + 1
	pts := make([]Point, 0, side*side)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			pts = append(pts, Point{X: float64(dx), Y: float64(dy)})
		}
	}
	return Subset{Center: center, Points: pts}
}

// Grid places square subsets of radius r on a regular grid inside a
// width×height image, keeping every subset plus margin pixels inside.
func Grid(width, height, radius, spacing, margin int) []Subset {
	if spacing <= 0 {
		spacing = 2*radius + 1
	}
	var out []Subset
	lo := radius + margin
	for y := lo; y < height-lo; y += spacing {
		for x := lo; x < width-lo; x += spacing {
			out = append(out, SquareSubset(Point{X: float64(x), Y: float64(y)}, radius))
		}
	}
	return out
}

// WorkUnit describes one batch of correlation work.
//
// Exactly one of Limits and Candidates is populated, selected by UsesLimits.
// Limits[i] is the search space of subset i; Candidates[i] is an explicit
// list of deformation vectors for subset i. Weights, when present, hold the
// Gaussian sigma of the per-pixel weighting window of each subset; a sigma
// of zero or less disables weighting.
type WorkUnit struct {
	ImageA     *imaging.Image
	ImageB     *imaging.Image
	Subsets    []Subset
	Limits     []deformation.Limits
	Candidates [][][]float64
	Order      deformation.Order
	Weights    []float64
	UsesLimits bool
}

// Validate checks the structural invariants of a work unit.
func (w *WorkUnit) Validate() error {
	if w.ImageA == nil || w.ImageB == nil {
		return fmt.Errorf("%w: missing image", ErrInvalidWorkUnit)
	}
	if w.ImageA.Width != w.ImageB.Width || w.ImageA.Height != w.ImageB.Height {
		return fmt.Errorf("%w: image sizes differ (%dx%d vs %dx%d)", ErrInvalidWorkUnit,
			w.ImageA.Width, w.ImageA.Height, w.ImageB.Width, w.ImageB.Height)
	}
	if !w.Order.Valid() {
		return fmt.Errorf("%w: %s", deformation.ErrInvalidSearchSpace, w.Order)
	}
	n := len(w.Subsets)
	if w.Weights != nil && len(w.Weights) != n {
		return fmt.Errorf("%w: %d weights for %d subsets", ErrInvalidWorkUnit, len(w.Weights), n)
	}
	if w.UsesLimits {
		if len(w.Limits) != n {
			return fmt.Errorf("%w: %d limits for %d subsets", ErrInvalidWorkUnit, len(w.Limits), n)
		}
		for i, l := range w.Limits {
			if err := deformation.ValidateOrder(l, w.Order); err != nil {
				return fmt.Errorf("subset %d: %w", i, err)
			}
		}
		return nil
	}
	if len(w.Candidates) != n {
		return fmt.Errorf("%w: %d candidate lists for %d subsets", ErrInvalidWorkUnit, len(w.Candidates), n)
	}
	want := deformation.CoefficientCount(w.Order)
	for i, list := range w.Candidates {
		for j, c := range list {
			if len(c) != want {
				return fmt.Errorf("%w: subset %d candidate %d has %d coefficients, want %d",
					deformation.ErrInvalidSearchSpace, i, j, len(c), want)
			}
		}
	}
	return nil
}

// CandidateCounts returns the number of candidates of every subset. An
// invalid search space counts as zero.
func (w *WorkUnit) CandidateCounts() []int64 {
	out := make([]int64, len(w.Subsets))
	for i := range out {
		if w.UsesLimits {
			total, err := deformation.Total(w.Limits[i])
			if err == nil {
				out[i] = total
			}
		} else {
			out[i] = int64(len(w.Candidates[i]))
		}
	}
	return out
}

// MaxCandidates returns the largest per-subset candidate count; the
// scheduler's candidate axis spans [0, MaxCandidates).
func (w *WorkUnit) MaxCandidates() int64 {
	var m int64
	for _, c := range w.CandidateCounts() {
		m = max(m, c)
	}
	return m
}

// SubsetRange returns a shallow view over subsets [lo, hi).
func (w *WorkUnit) SubsetRange(lo, hi int) *WorkUnit {
	out := &WorkUnit{
		ImageA:     w.ImageA,
		ImageB:     w.ImageB,
		Subsets:    w.Subsets[lo:hi],
		Order:      w.Order,
		UsesLimits: w.UsesLimits,
	}
	if w.UsesLimits {
		out.Limits = w.Limits[lo:hi]
	} else {
		out.Candidates = w.Candidates[lo:hi]
	}
	if w.Weights != nil {
		out.Weights = w.Weights[lo:hi]
	}
	return out
}

// Weight returns the Gaussian sigma of subset i, or 0 when unweighted.
func (w *WorkUnit) Weight(i int) float64 {
	if w.Weights == nil {
		return 0
	}
	return w.Weights[i]
}

// Result is the best match of one subset.
type Result struct {
	Quality     float64
	Deformation []float64
}

// Sentinel is the result of a subset that produced no valid candidate.
func Sentinel() Result {
	return Result{Quality: -1, Deformation: nil}
}

// IsSentinel reports whether r carries no deformation.
func (r Result) IsSentinel() bool {
	return r.Deformation == nil
}

// Better reports whether a beats b: higher quality first, then the smaller
// deformation norm. NaN qualities never win.
func Better(a, b Result) bool {
	if math.IsNaN(a.Quality) {
		return false
	}
	if math.IsNaN(b.Quality) || a.Quality > b.Quality {
		return true
	}
	if a.Quality < b.Quality {
		return false
	}
	if a.Deformation == nil {
		return false
	}
	if b.Deformation == nil {
		return true
	}
	return deformation.Norm(a.Deformation) < deformation.Norm(b.Deformation)
}

// Merge keeps the better result of every pair. dst is updated in place.
func Merge(dst, src []Result) {
	for i := range dst {
		if i < len(src) && Better(src[i], dst[i]) {
			dst[i] = src[i]
		}
	}
}

// Sentinels returns n sentinel results.
func Sentinels(n int) []Result {
	out := make([]Result, n)
	for i := range out {
		out[i] = Sentinel()
	}
	return out
}
