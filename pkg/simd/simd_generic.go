//go:build (!amd64 && !arm64) || nosimd

package simd

import (
	"github.com/viterin/vek/vek32"
)

// Generic fallback implementations using viterin/vek library.

func dotProduct(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

func sum(v []float32) float32 {
	return vek32.Sum(v)
}

func mulInto(dst, a, b []float32) []float32 {
	return vek32.Mul_Into(dst, a, b)
}

func runtimeInfo() RuntimeInfo {
	info := vek32.Info()
	return RuntimeInfo{
		Implementation: ImplGeneric,
		Features:       info.CPUFeatures,
		Accelerated:    false,
	}
}
