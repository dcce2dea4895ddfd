//go:build amd64 && !nosimd

package simd

import (
	"golang.org/x/sys/cpu"
)

// x86/amd64 implementations.
// Loop unrolling lets the Go compiler keep eight independent accumulators in
// flight, matching one 256-bit AVX2 register of float32 lanes.

var hasAVX2 = cpu.X86.HasAVX2 && cpu.X86.HasFMA

func dotProduct(a, b []float32) float32 {
	n := len(a)
	b = b[:n]

	s0, s1, s2, s3 := float32(0), float32(0), float32(0), float32(0)
	s4, s5, s6, s7 := float32(0), float32(0), float32(0), float32(0)

	i := 0
	for ; i <= n-8; i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}

	return (s0 + s1 + s2 + s3) + (s4 + s5 + s6 + s7)
}

func sum(v []float32) float32 {
	n := len(v)

	s0, s1, s2, s3 := float32(0), float32(0), float32(0), float32(0)
	s4, s5, s6, s7 := float32(0), float32(0), float32(0), float32(0)

	i := 0
	for ; i <= n-8; i += 8 {
		s0 += v[i]
		s1 += v[i+1]
		s2 += v[i+2]
		s3 += v[i+3]
		s4 += v[i+4]
		s5 += v[i+5]
		s6 += v[i+6]
		s7 += v[i+7]
	}
	for ; i < n; i++ {
		s0 += v[i]
	}

	return (s0 + s1 + s2 + s3) + (s4 + s5 + s6 + s7)
}

func mulInto(dst, a, b []float32) []float32 {
	n := len(a)
	dst = dst[:n]
	b = b[:n]

	i := 0
	for ; i <= n-4; i += 4 {
		dst[i] = a[i] * b[i]
		dst[i+1] = a[i+1] * b[i+1]
		dst[i+2] = a[i+2] * b[i+2]
		dst[i+3] = a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		dst[i] = a[i] * b[i]
	}
	return dst
}

func runtimeInfo() RuntimeInfo {
	var features []string
	if cpu.X86.HasAVX2 {
		features = append(features, "AVX2")
	}
	if cpu.X86.HasFMA {
		features = append(features, "FMA")
	}
	if cpu.X86.HasAVX512F {
		features = append(features, "AVX512F")
	}
	impl := ImplGeneric
	if hasAVX2 {
		impl = ImplAVX2
	}
	return RuntimeInfo{
		Implementation: impl,
		Features:       features,
		Accelerated:    hasAVX2,
	}
}
