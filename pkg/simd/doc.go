// Package simd provides SIMD-accelerated float32 primitives used by the CPU
// correlation backend.
//
// The correlation criteria reduce every candidate to a handful of weighted
// sums over the sampled subset intensities. This package supplies those sums
// using platform-specific code where available:
//
//   - x86/amd64: 8-way unrolled loops the compiler vectorizes when the CPU
//     reports AVX2 + FMA
//   - arm64: NEON kernels from viterin/vek
//   - fallback: viterin/vek pure Go implementations
//
// # Supported Operations
//
//   - DotProduct: sum(a[i] * b[i])
//   - Sum: sum(v[i])
//   - MulInto: dst[i] = a[i] * b[i]
//   - Moments: the five weighted sums a correlation criterion needs
//
// # Usage
//
//	import "github.com/orneryd/dicengine/pkg/simd"
//
//	w := []float32{1, 1, 1}
//	g := []float32{0.2, 0.4, 0.6}
//	sw := simd.DotProduct(w, g)
//
// Build with -tags nosimd to force the generic implementation.
package simd
