package deformation

import (
	"fmt"
	"math"
)

// countEpsilon absorbs representation error in (max-min)/step so that
// limits such as {-0.3, 0.3, 0.1} produce 7 candidates, not 6.
const countEpsilon = 1e-9

// Limits is a flat list of (min, max, step) triples, one per coefficient.
type Limits []float64

// Coefficients returns the number of triples.
func (l Limits) Coefficients() int { return len(l) / 3 }

// Min returns the lower bound of coefficient i.
func (l Limits) Min(i int) float64 { return l[3*i] }

// Max returns the upper bound of coefficient i.
func (l Limits) Max(i int) float64 { return l[3*i+1] }

// Step returns the step of coefficient i.
func (l Limits) Step(i int) float64 { return l[3*i+2] }

// Clone returns an independent copy.
func (l Limits) Clone() Limits {
	if l == nil {
		return nil
	}
	out := make(Limits, len(l))
	copy(out, l)
	return out
}

// Order returns the shape order implied by the number of triples.
func (l Limits) Order() (Order, error) {
	if len(l)%3 != 0 {
		return Zero, fmt.Errorf("%w: length %d is not a multiple of 3", ErrInvalidSearchSpace, len(l))
	}
	return OrderForCount(len(l) / 3)
}

// Validate checks the structural invariants of a search space.
//
// A degenerate coefficient (max < min) is structurally valid: it yields an
// empty candidate window, which callers report per subset rather than as an
// error.
func Validate(l Limits) error {
	if _, err := l.Order(); err != nil {
		return err
	}
	for i := 0; i < l.Coefficients(); i++ {
		lo, hi, step := l.Min(i), l.Max(i), l.Step(i)
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsNaN(step) ||
			math.IsInf(lo, 0) || math.IsInf(hi, 0) || math.IsInf(step, 0) {
			return fmt.Errorf("%w: coefficient %d is not finite", ErrInvalidSearchSpace, i)
		}
		if hi > lo && step <= 0 {
			return fmt.Errorf("%w: coefficient %d has step %g for range [%g, %g]",
				ErrInvalidSearchSpace, i, step, lo, hi)
		}
	}
	return nil
}

// ValidateOrder checks l and that it declares exactly the given order.
func ValidateOrder(l Limits, o Order) error {
	if err := Validate(l); err != nil {
		return err
	}
	if got, _ := l.Order(); got != o {
		return fmt.Errorf("%w: limits declare %s order, want %s", ErrInvalidSearchSpace, got, o)
	}
	return nil
}

// coefficientCount is floor((max-min)/step)+1, 1 for a fixed coefficient and
// 0 for a degenerate one.
func coefficientCount(lo, hi, step float64) int64 {
	switch {
	case hi < lo:
		return 0
	case hi == lo:
		return 1
	}
	return int64(math.Floor((hi-lo)/step+countEpsilon)) + 1
}

// Counts returns the per-coefficient candidate counts followed by their
// product as the last element.
func Counts(l Limits) ([]int64, error) {
	if err := Validate(l); err != nil {
		return nil, err
	}
	n := l.Coefficients()
	counts := make([]int64, n+1)
	total := int64(1)
	for i := 0; i < n; i++ {
		c := coefficientCount(l.Min(i), l.Max(i), l.Step(i))
		counts[i] = c
		if c != 0 && total > math.MaxInt64/c {
			return nil, fmt.Errorf("%w: candidate count overflows int64", ErrInvalidSearchSpace)
		}
		total *= c
	}
	counts[n] = total
	return counts, nil
}

// Total is a convenience wrapper returning only the total candidate count.
func Total(l Limits) (int64, error) {
	counts, err := Counts(l)
	if err != nil {
		return 0, err
	}
	return counts[len(counts)-1], nil
}

// ToVector decodes a linear candidate index. The first coefficient is the
// least significant digit.
func ToVector(index int64, l Limits, counts []int64) ([]float64, error) {
	n := l.Coefficients()
	if len(counts) != n+1 {
		return nil, fmt.Errorf("%w: %d counts for %d coefficients", ErrInvalidSearchSpace, len(counts), n)
	}
	if index < 0 || index >= counts[n] {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, counts[n])
	}
	v := make([]float64, n)
	DecodeInto(v, index, l, counts)
	return v, nil
}

// DecodeInto is the allocation-free form of ToVector used on hot paths. The
// index must already be in range.
func DecodeInto(dst []float64, index int64, l Limits, counts []int64) {
	for i := range dst {
		c := counts[i]
		digit := index % c
		index /= c
		dst[i] = l.Min(i) + float64(digit)*l.Step(i)
	}
}

// ToIndex is the inverse of ToVector. Each coefficient is snapped to the
// nearest grid digit; values more than half a step outside the grid fail
// with ErrOutsideLimits.
func ToIndex(v []float64, l Limits, counts []int64) (int64, error) {
	n := l.Coefficients()
	if len(v) != n || len(counts) != n+1 {
		return 0, fmt.Errorf("%w: vector length %d for %d coefficients", ErrInvalidSearchSpace, len(v), n)
	}
	if counts[n] == 0 {
		return 0, fmt.Errorf("%w: empty search space", ErrOutsideLimits)
	}
	var index int64
	for i := n - 1; i >= 0; i-- {
		digit := int64(0)
		if counts[i] > 1 {
			digit = int64(math.Round((v[i] - l.Min(i)) / l.Step(i)))
		} else if math.Abs(v[i]-l.Min(i)) > 1e-9*math.Max(1, math.Abs(l.Min(i))) {
			digit = -1
		}
		if digit < 0 || digit >= counts[i] {
			return 0, fmt.Errorf("%w: coefficient %d = %g", ErrOutsideLimits, i, v[i])
		}
		index = index*counts[i] + digit
	}
	return index, nil
}

// Steps returns the step of every coefficient.
func Steps(l Limits) []float64 {
	out := make([]float64, l.Coefficients())
	for i := range out {
		out[i] = l.Step(i)
	}
	return out
}

// Contains reports whether v lies inside the closed box of l.
func Contains(l Limits, v []float64) bool {
	if len(v) != l.Coefficients() {
		return false
	}
	for i, x := range v {
		if x < l.Min(i)-countEpsilon || x > l.Max(i)+countEpsilon {
			return false
		}
	}
	return true
}

// Clamp limits every coefficient of v to the box of l in place and returns v.
func Clamp(v []float64, l Limits) []float64 {
	for i := range v {
		if i >= l.Coefficients() {
			break
		}
		lo, hi := l.Min(i), l.Max(i)
		if hi < lo {
			continue
		}
		v[i] = math.Max(lo, math.Min(hi, v[i]))
	}
	return v
}

// Project converts limits to another order. Lower orders keep the leading
// triples; higher orders append fixed zero coefficients.
func Project(l Limits, o Order) Limits {
	n := CoefficientCount(o)
	out := make(Limits, 3*n)
	copy(out, l)
	for i := l.Coefficients(); i < n; i++ {
		out[3*i], out[3*i+1], out[3*i+2] = 0, 0, 0
	}
	return out
}

// Centered builds limits of ±halfWidth around center with the given steps.
// A zero half width pins the coefficient to the center value.
func Centered(center, halfWidth, step []float64) Limits {
	out := make(Limits, 3*len(center))
	for i, c := range center {
		out[3*i] = c - halfWidth[i]
		out[3*i+1] = c + halfWidth[i]
		out[3*i+2] = step[i]
	}
	return out
}

// Fixed builds limits that contain exactly the vector v.
func Fixed(v []float64) Limits {
	return Centered(v, make([]float64, len(v)), make([]float64, len(v)))
}
