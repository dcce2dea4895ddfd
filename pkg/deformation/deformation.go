// Package deformation encodes the discrete search space of subset shape
// functions.
//
// A search space is a flat list of (min, max, step) triples, one triple per
// shape coefficient. The coefficient order is fixed everywhere in the engine:
//
//	ZERO   u, v
//	FIRST  u, v, ux, uy, vx, vy
//	SECOND u, v, ux, uy, vx, vy, uxx, uxy, uyy, vxx, vxy, vyy
//
// Candidates are enumerated with a mixed-radix decomposition in which the
// first coefficient varies fastest. Coefficient values are always computed as
// min + digit*step so that enumeration never drifts, regardless of how many
// candidates a space holds.
//
// Example:
//
//	limits := deformation.Limits{-2, 2, 1, -1, 1, 0.5} // u in [-2,2], v in [-1,1]
//	counts, err := deformation.Counts(limits)           // [5 5 25]
//	v, _ := deformation.ToVector(7, limits, counts)     // [0 -0.5]
//	i, _ := deformation.ToIndex(v, limits, counts)      // 7
package deformation

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Errors
var (
	ErrInvalidSearchSpace = errors.New("deformation: invalid search space")
	ErrIndexOutOfRange    = errors.New("deformation: candidate index out of range")
	ErrOutsideLimits      = errors.New("deformation: vector outside limits")
)

// Order is the polynomial order of the subset shape function.
type Order int

const (
	Zero Order = iota
	First
	Second
)

var orderNames = [...]string{"zero", "first", "second"}

func (o Order) String() string {
	if o < Zero || o > Second {
		return fmt.Sprintf("order(%d)", int(o))
	}
	return orderNames[o]
}

// ParseOrder accepts "zero", "first", "second" or the digits 0, 1, 2.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "zero", "0":
		return Zero, nil
	case "first", "1":
		return First, nil
	case "second", "2":
		return Second, nil
	}
	return Zero, fmt.Errorf("%w: unknown order %q", ErrInvalidSearchSpace, s)
}

// Valid reports whether o is one of the three supported orders.
func (o Order) Valid() bool {
	return o >= Zero && o <= Second
}

// CoefficientCount returns the deformation vector length for an order.
func CoefficientCount(o Order) int {
	switch o {
	case Zero:
		return 2
	case First:
		return 6
	case Second:
		return 12
	}
	return 0
}

// OrderForCount returns the order whose vector has n coefficients.
func OrderForCount(n int) (Order, error) {
	switch n {
	case 2:
		return Zero, nil
	case 6:
		return First, nil
	case 12:
		return Second, nil
	}
	return Zero, fmt.Errorf("%w: %d coefficients", ErrInvalidSearchSpace, n)
}

// CoefficientNames lists the coefficient labels for an order.
func CoefficientNames(o Order) []string {
	all := []string{"u", "v", "ux", "uy", "vx", "vy", "uxx", "uxy", "uyy", "vxx", "vxy", "vyy"}
	return all[:CoefficientCount(o)]
}

// CoefficientIndex resolves a coefficient label ("u", "vy", ...) to its
// position in a SECOND order vector.
func CoefficientIndex(name string) (int, bool) {
	for i, n := range CoefficientNames(Second) {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// ZeroVector returns the identity deformation for an order.
func ZeroVector(o Order) []float64 {
	return make([]float64, CoefficientCount(o))
}

// Norm returns the Euclidean norm of a deformation vector.
func Norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
