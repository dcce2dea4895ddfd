package simd

import (
	"fmt"
	"math/rand"
	"testing"
)

// Subset pixel counts for radii 7, 10, 15, 20.
var benchmarkSizes = []int{225, 441, 961, 1681}

func generateTestVectors(size int) ([]float32, []float32) {
	a := make([]float32, size)
	b := make([]float32, size)
	for i := 0; i < size; i++ {
		a[i] = rand.Float32()
		b[i] = rand.Float32()
	}
	return a, b
}

func dotProductReference(a, b []float32) float32 {
	sum := float32(0)
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func BenchmarkDotProduct(b *testing.B) {
	for _, size := range benchmarkSizes {
		x, y := generateTestVectors(size)
		b.Run(fmt.Sprintf("simd/%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = DotProduct(x, y)
			}
		})
		b.Run(fmt.Sprintf("reference/%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = dotProductReference(x, y)
			}
		})
	}
}

func BenchmarkWeightedMoments(b *testing.B) {
	for _, size := range benchmarkSizes {
		w, g := generateTestVectors(size)
		wf := make([]float32, size)
		scratch := make([]float32, size)
		b.Run(fmt.Sprintf("%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = WeightedMoments(w, wf, g, scratch)
			}
		})
	}
}
