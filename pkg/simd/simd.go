package simd

// Implementation represents the active SIMD implementation
type Implementation string

const (
	// ImplGeneric indicates pure Go fallback (no SIMD)
	ImplGeneric Implementation = "generic"
	// ImplAVX2 indicates x86 AVX2+FMA SIMD
	ImplAVX2 Implementation = "avx2"
	// ImplNEON indicates ARM NEON SIMD
	ImplNEON Implementation = "neon"
)

// RuntimeInfo contains information about the active SIMD implementation
type RuntimeInfo struct {
	// Implementation is the active SIMD backend
	Implementation Implementation
	// Features lists specific CPU features being used
	Features []string
	// Accelerated indicates whether SIMD acceleration is active
	Accelerated bool
}

// DotProduct computes sum(a[i] * b[i]).
//
// Returns 0 if the vectors are empty or have different lengths.
//
// Example:
//
//	a := []float32{1, 2, 3}
//	b := []float32{4, 5, 6}
//	result := simd.DotProduct(a, b) // 32
func DotProduct(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return dotProduct(a, b)
}

// Sum returns the sum of all elements of v.
func Sum(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return sum(v)
}

// MulInto writes the element-wise product of a and b into dst and returns
// dst. dst must be at least as long as a; a and b must have equal length.
func MulInto(dst, a, b []float32) []float32 {
	if len(a) != len(b) || len(dst) < len(a) {
		return dst
	}
	if len(a) == 0 {
		return dst[:0]
	}
	return mulInto(dst[:len(a)], a, b)
}

// Moments holds the weighted sums of a reference signal f and a sampled
// signal g under weights w.
type Moments struct {
	SumW  float64 // Σw
	SumG  float64 // Σw·g
	SumGG float64 // Σw·g²
	SumFG float64 // Σw·f·g
}

// WeightedMoments computes Σw, Σw·g, Σw·g² and Σw·f·g in one call.
//
// wf must hold w[i]*f[i] (precomputed once per subset) and scratch must be
// at least len(g) long. The per-pixel products are float32 while the final
// accumulations are widened to float64.
func WeightedMoments(w, wf, g, scratch []float32) Moments {
	n := len(g)
	if n == 0 || len(w) != n || len(wf) != n || len(scratch) < n {
		return Moments{}
	}
	wg := mulInto(scratch[:n], w, g)
	return Moments{
		SumW:  float64(sum(w)),
		SumG:  float64(sum(wg)),
		SumGG: float64(dotProduct(wg, g)),
		SumFG: float64(dotProduct(wf, g)),
	}
}

// Info returns information about the active SIMD implementation.
func Info() RuntimeInfo {
	return runtimeInfo()
}
