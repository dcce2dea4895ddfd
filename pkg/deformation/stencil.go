package deformation

// StencilKind selects the finite-difference scheme used to estimate the
// gradient and Hessian of the correlation surface.
type StencilKind int

const (
	// ForwardStencil uses forward differences with an upper-triangle
	// Hessian: f(0), f(+ei), f(+2ei), f(+ei+ej).
	ForwardStencil StencilKind = iota
	// CentralStencil uses central differences and a diagonal Hessian:
	// f(0), f(±ei).
	CentralStencil
	// MixedStencil extends CentralStencil with the four ±ei±ej corners of
	// every coefficient pair, giving a full central Hessian.
	MixedStencil
)

func (k StencilKind) String() string {
	switch k {
	case ForwardStencil:
		return "forward"
	case CentralStencil:
		return "central"
	case MixedStencil:
		return "sift"
	}
	return "unknown"
}

// GridRadius is the reach of the dense forward grid in steps. The dense grid
// spans offsets -2..2 on every coefficient, i.e. 5^n points.
const GridRadius = 2

// Stencil is a set of integer offsets (in units of the per-coefficient
// step h) around a center point.
type Stencil struct {
	Kind    StencilKind
	N       int
	Offsets [][]int

	lookup map[string]int
}

// NewStencil builds the explicit point list for a scheme over n coefficients.
func NewStencil(kind StencilKind, n int) *Stencil {
	s := &Stencil{Kind: kind, N: n, lookup: make(map[string]int)}
	s.add(make([]int, n))
	for i := 0; i < n; i++ {
		switch kind {
		case ForwardStencil:
			s.add(unit(n, i, 1))
			s.add(unit(n, i, 2))
		default:
			s.add(unit(n, i, 1))
			s.add(unit(n, i, -1))
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			switch kind {
			case ForwardStencil:
				s.add(pair(n, i, j, 1, 1))
			case MixedStencil:
				s.add(pair(n, i, j, 1, 1))
				s.add(pair(n, i, j, 1, -1))
				s.add(pair(n, i, j, -1, 1))
				s.add(pair(n, i, j, -1, -1))
			}
		}
	}
	return s
}

// Size returns the number of stencil points.
func (s *Stencil) Size() int { return len(s.Offsets) }

// Points materialises the stencil around center with steps h.
func (s *Stencil) Points(center, h []float64) [][]float64 {
	out := make([][]float64, len(s.Offsets))
	for p, off := range s.Offsets {
		v := make([]float64, len(center))
		for i := range v {
			v[i] = center[i] + float64(off[i])*h[i]
		}
		out[p] = v
	}
	return out
}

// Index returns the position of an offset in Offsets.
func (s *Stencil) Index(offset []int) (int, bool) {
	i, ok := s.lookup[key(offset)]
	return i, ok
}

// GridLimits returns the dense 5^n grid around center as limits. Evaluating
// these limits supplies every offset any stencil kind can ask for.
func GridLimits(center, h []float64) Limits {
	half := make([]float64, len(h))
	for i := range h {
		half[i] = GridRadius * h[i]
	}
	return Centered(center, half, h)
}

// GridIndex maps an integer offset to its candidate index in GridLimits.
func GridIndex(offset []int) int64 {
	var idx int64
	for i := len(offset) - 1; i >= 0; i-- {
		idx = idx*(2*GridRadius+1) + int64(offset[i]+GridRadius)
	}
	return idx
}

// GridSize returns 5^n.
func GridSize(n int) int64 {
	size := int64(1)
	for i := 0; i < n; i++ {
		size *= 2*GridRadius + 1
	}
	return size
}

// Derivatives estimates the gradient and Hessian (row-major n×n) of the
// sampled surface. score returns the correlation value at an offset.
func (s *Stencil) Derivatives(score func(offset []int) float64, h []float64) ([]float64, []float64) {
	n := s.N
	grad := make([]float64, n)
	hess := make([]float64, n*n)
	f0 := score(make([]int, n))

	for i := 0; i < n; i++ {
		hi := h[i]
		switch s.Kind {
		case ForwardStencil:
			f1 := score(unit(n, i, 1))
			f2 := score(unit(n, i, 2))
			grad[i] = (f1 - f0) / hi
			hess[i*n+i] = (f2 - 2*f1 + f0) / (hi * hi)
		default:
			fp := score(unit(n, i, 1))
			fm := score(unit(n, i, -1))
			grad[i] = (fp - fm) / (2 * hi)
			hess[i*n+i] = (fp - 2*f0 + fm) / (hi * hi)
		}
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var hij float64
			switch s.Kind {
			case ForwardStencil:
				fij := score(pair(n, i, j, 1, 1))
				fi := score(unit(n, i, 1))
				fj := score(unit(n, j, 1))
				hij = (fij - fi - fj + f0) / (h[i] * h[j])
			case MixedStencil:
				fpp := score(pair(n, i, j, 1, 1))
				fpm := score(pair(n, i, j, 1, -1))
				fmp := score(pair(n, i, j, -1, 1))
				fmm := score(pair(n, i, j, -1, -1))
				hij = (fpp - fpm - fmp + fmm) / (4 * h[i] * h[j])
			}
			hess[i*n+j] = hij
			hess[j*n+i] = hij
		}
	}
	return grad, hess
}

func (s *Stencil) add(offset []int) {
	k := key(offset)
	if _, ok := s.lookup[k]; ok {
		return
	}
	s.lookup[k] = len(s.Offsets)
	s.Offsets = append(s.Offsets, offset)
}

func unit(n, i, d int) []int {
	v := make([]int, n)
	v[i] = d
	return v
}

func pair(n, i, j, di, dj int) []int {
	v := make([]int, n)
	v[i] = di
	v[j] = dj
	return v
}

func key(offset []int) string {
	b := make([]byte, len(offset))
	for i, o := range offset {
		b[i] = byte(o + 8)
	}
	return string(b)
}
