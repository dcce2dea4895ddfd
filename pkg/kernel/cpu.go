package kernel

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/simd"
)

// cpuBackend executes generated programs on the host. It accepts the same
// source as a device backend, verifies it is fully substituted, and runs the
// equivalent Go implementation of the program. Memory is still accounted
// against the manager's ceiling so chunking behaves as on a device.
type cpuBackend struct {
	manager *gpu.Manager
	log     logrus.FieldLogger
	closed  atomic.Bool
}

type cpuBuffer struct {
	floats []float32
	ints   []int32
	img    *imaging.Image
	size   int64
}

func (b *cpuBuffer) Size() int64 { return b.size }

func newCPUBackend(m *gpu.Manager, log logrus.FieldLogger) (Backend, error) {
	return &cpuBackend{manager: m, log: log}, nil
}

func (b *cpuBackend) Name() string { return BackendCPU }

func (b *cpuBackend) Device() gpu.DeviceInfo { return gpu.CPUDevice() }

func (b *cpuBackend) Compile(p Params, source string) (Executable, error) {
	if b.closed.Load() {
		return nil, ErrReleased
	}
	if left := Unresolved(source); len(left) > 0 {
		return nil, fmt.Errorf("%w: unresolved substitution points %v", ErrCompileFailed, left)
	}
	for _, entry := range []string{"__kernel void correlate(", "__kernel void reduce_max(", "__kernel void locate_max("} {
		if !strings.Contains(source, entry) {
			return nil, fmt.Errorf("%w: missing entry point %q", ErrCompileFailed, entry)
		}
	}
	if _, ok := variants[p.Config.Variant]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConfiguration, p.Config)
	}
	return &cpuExecutable{params: p, manager: b.manager}, nil
}

func (b *cpuBackend) reserve(size int64) error {
	return exhausted(b.manager.Reserve(size))
}

func (b *cpuBackend) UploadImage(img *imaging.Image, _ Input) (Buffer, error) {
	size := int64(len(img.Pix)) * 4
	if err := b.reserve(size); err != nil {
		return nil, err
	}
	b.manager.RecordTransfer(size)
	return &cpuBuffer{img: img, size: size}, nil
}

func (b *cpuBackend) UploadFloats(data []float32) (Buffer, error) {
	size := int64(len(data)) * 4
	if err := b.reserve(size); err != nil {
		return nil, err
	}
	b.manager.RecordTransfer(size)
	return &cpuBuffer{floats: append([]float32(nil), data...), size: size}, nil
}

func (b *cpuBackend) UploadInts(data []int32) (Buffer, error) {
	size := int64(len(data)) * 4
	if err := b.reserve(size); err != nil {
		return nil, err
	}
	b.manager.RecordTransfer(size)
	return &cpuBuffer{ints: append([]int32(nil), data...), size: size}, nil
}

func (b *cpuBackend) Free(buf Buffer) {
	if buf == nil {
		return
	}
	if err := b.manager.Release(buf.Size()); err != nil {
		b.log.WithError(err).Warn("device memory accounting out of balance")
	}
}

func (b *cpuBackend) Close() error {
	b.closed.Store(true)
	return nil
}

type cpuExecutable struct {
	params  Params
	manager *gpu.Manager
}

func (e *cpuExecutable) Release() {}

// span is a flat [lo, hi) range of subset-major score indices.
type span struct{ lo, hi int }

// partitionFlat mirrors the 1d variant: equal blocks of the flat range.
func partitionFlat(subsets, candidates int) []span {
	total := subsets * candidates
	block := max(256, (total+4*runtime.NumCPU()-1)/(4*runtime.NumCPU()))
	var out []span
	for lo := 0; lo < total; lo += block {
		out = append(out, span{lo, min(total, lo+block)})
	}
	return out
}

// partitionTiles mirrors the 2d variant: per subset, tiles of candidates.
func partitionTiles(subsets, candidates int) []span {
	const tile = 512
	var out []span
	for s := 0; s < subsets; s++ {
		for c := 0; c < candidates; c += tile {
			out = append(out, span{s*candidates + c, s*candidates + min(candidates, c+tile)})
		}
	}
	return out
}

// partitionRows mirrors the 1.5d variant: one task per subset.
func partitionRows(subsets, candidates int) []span {
	out := make([]span, subsets)
	for s := range out {
		out[s] = span{s * candidates, (s + 1) * candidates}
	}
	return out
}

func (e *cpuExecutable) Run(ctx context.Context, l *Launch) ([]float32, error) {
	n := l.Scores()
	if err := exhausted(e.manager.Reserve(int64(n) * 4)); err != nil {
		return nil, err
	}
	defer e.manager.Release(int64(n) * 4)

	args, err := e.bind(l)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	if n == 0 {
		return out, nil
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, sp := range variants[e.params.Config.Variant].partition(l.SubsetCount, l.CandidateCount) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e.evaluate(args, l, sp, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.manager.RecordKernel(time.Since(start))
	return out, nil
}

type cpuArgs struct {
	a, b    *imaging.Image
	points  []float32
	centers []float32
	sigmas  []float32
	table   []float32
	counts  []int32
}

func (e *cpuExecutable) bind(l *Launch) (*cpuArgs, error) {
	get := func(b Buffer, name string) (*cpuBuffer, error) {
		cb, ok := b.(*cpuBuffer)
		if !ok || cb == nil {
			return nil, fmt.Errorf("%w: %s buffer is not a host buffer", gpu.ErrKernelFailed, name)
		}
		return cb, nil
	}
	var bufs [7]*cpuBuffer
	for i, nb := range []struct {
		b    Buffer
		name string
	}{{l.ImageA, "imageA"}, {l.ImageB, "imageB"}, {l.Points, "points"}, {l.Centers, "centers"},
		{l.Sigmas, "sigmas"}, {l.Table, "table"}, {l.Counts, "counts"}} {
		cb, err := get(nb.b, nb.name)
		if err != nil {
			return nil, err
		}
		bufs[i] = cb
	}
	if bufs[0].img == nil || bufs[1].img == nil {
		return nil, fmt.Errorf("%w: image buffers missing", gpu.ErrKernelFailed)
	}
	if l.PointCount > e.params.MaxPoints() {
		return nil, fmt.Errorf("%w: %d points exceed %d for subset size %d",
			ErrSubsetGeometry, l.PointCount, e.params.MaxPoints(), e.params.SubsetSize)
	}
	return &cpuArgs{
		a: bufs[0].img, b: bufs[1].img,
		points: bufs[2].floats, centers: bufs[3].floats, sigmas: bufs[4].floats,
		table: bufs[5].floats, counts: bufs[6].ints,
	}, nil
}

// subsetRef holds the reference-side sums of one subset.
type subsetRef struct {
	valid  bool
	cx, cy float64
	dx, dy []float64
	w, wf  []float32
	sf     float64
	sff    float64
}

func (e *cpuExecutable) reference(args *cpuArgs, l *Launch, s int) *subsetRef {
	n := l.PointCount
	ref := &subsetRef{
		valid: true,
		cx:    float64(args.centers[2*s]),
		cy:    float64(args.centers[2*s+1]),
		dx:    make([]float64, n),
		dy:    make([]float64, n),
		w:     make([]float32, n),
		wf:    make([]float32, n),
	}
	sigma := float64(args.sigmas[s])
	for i := 0; i < n; i++ {
		var dx, dy float32
		if e.params.Config.Layout == Planar {
			dx = args.points[s*2*n+i]
			dy = args.points[s*2*n+n+i]
		} else {
			dx = args.points[2*(s*n+i)]
			dy = args.points[2*(s*n+i)+1]
		}
		ref.dx[i], ref.dy[i] = float64(dx), float64(dy)
		rx, ry := ref.cx+ref.dx[i], ref.cy+ref.dy[i]
		if !args.a.Inside(rx, ry, e.params.Interpolation) {
			ref.valid = false
			return ref
		}
		w := 1.0
		if sigma > 0 {
			w = math.Exp(-(ref.dx[i]*ref.dx[i] + ref.dy[i]*ref.dy[i]) / (2 * sigma * sigma))
		}
		f := args.a.Sample(rx, ry, e.params.Interpolation)
		ref.w[i] = float32(w)
		ref.wf[i] = float32(w * f)
		ref.sf += w * f
		ref.sff += w * f * f
	}
	return ref
}

// decode fills p with the candidate idx of subset s. It returns false when
// idx lies outside the subset's window.
func (e *cpuExecutable) decode(args *cpuArgs, l *Launch, s int, idx int64, p []float64) bool {
	nc := len(p)
	if e.params.UsesLimits {
		lim := args.table[s*3*nc : (s+1)*3*nc]
		cnt := args.counts[s*nc : (s+1)*nc]
		total := int64(1)
		for _, c := range cnt {
			total *= int64(c)
		}
		if idx < 0 || idx >= total {
			return false
		}
		for k := 0; k < nc; k++ {
			c := int64(cnt[k])
			digit := idx % c
			idx /= c
			if e.params.Config.Layout == Planar {
				p[k] = float64(lim[k]) + float64(digit)*float64(lim[2*nc+k])
			} else {
				p[k] = float64(lim[3*k]) + float64(digit)*float64(lim[3*k+2])
			}
		}
		return true
	}
	if idx < 0 || idx >= int64(args.counts[s]) {
		return false
	}
	stride := int64(l.Stride)
	for k := 0; k < nc; k++ {
		if e.params.Config.Layout == Planar {
			p[k] = float64(args.table[int64(s)*stride*int64(nc)+int64(k)*stride+idx])
		} else {
			p[k] = float64(args.table[(int64(s)*stride+idx)*int64(nc)+int64(k)])
		}
	}
	return true
}

func (e *cpuExecutable) evaluate(args *cpuArgs, l *Launch, sp span, out []float32) {
	nc := deformation.CoefficientCount(e.params.Order)
	p := make([]float64, nc)
	g := make([]float32, l.PointCount)
	scratch := make([]float32, l.PointCount)

	var ref *subsetRef
	refFor := -1
	for i := sp.lo; i < sp.hi; i++ {
		s := i / l.CandidateCount
		c := i % l.CandidateCount
		if s != refFor {
			ref = e.reference(args, l, s)
			refFor = s
		}
		if !ref.valid || !e.decode(args, l, s, l.CandidateStart+int64(c), p) {
			out[i] = float32(math.Inf(-1))
			continue
		}
		out[i] = float32(e.score(args, ref, p, g, scratch))
	}
}

func (e *cpuExecutable) score(args *cpuArgs, ref *subsetRef, p []float64, g, scratch []float32) float64 {
	for i := range ref.dx {
		ux, uy := Displace(e.params.Order, p, ref.dx[i], ref.dy[i])
		tx := ref.cx + ref.dx[i] + ux
		ty := ref.cy + ref.dy[i] + uy
		if !args.b.Inside(tx, ty, e.params.Interpolation) {
			return math.Inf(-1)
		}
		g[i] = float32(args.b.Sample(tx, ty, e.params.Interpolation))
	}
	m := simd.WeightedMoments(ref.w, ref.wf, g, scratch)
	return Score(e.params.Config.Criterion, m.SumW, ref.sf, m.SumG, ref.sff, m.SumGG, m.SumFG)
}

// Displace evaluates the shape function of a deformation vector at a subset
// offset (dx, dy) and returns the displacement.
func Displace(o deformation.Order, p []float64, dx, dy float64) (float64, float64) {
	ux, uy := p[0], p[1]
	if o >= deformation.First {
		ux += p[2]*dx + p[3]*dy
		uy += p[4]*dx + p[5]*dy
	}
	if o >= deformation.Second {
		ux += 0.5*p[6]*dx*dx + p[7]*dx*dy + 0.5*p[8]*dy*dy
		uy += 0.5*p[9]*dx*dx + p[10]*dx*dy + 0.5*p[11]*dy*dy
	}
	return ux, uy
}

// Score evaluates a criterion from weighted sums. It matches the criterion
// fragments of the generated device source.
func Score(c Criterion, sw, sf, sg, sff, sgg, sfg float64) float64 {
	if c == NCC {
		if sff <= 0 || sgg <= 0 {
			return 0
		}
		return clampUnit(sfg / math.Sqrt(sff*sgg))
	}
	if sw <= 0 {
		return 0
	}
	vf := sff - sf*sf/sw
	vg := sgg - sg*sg/sw
	var zncc float64
	if vf > 0 && vg > 0 {
		zncc = clampUnit((sfg - sf*sg/sw) / math.Sqrt(vf*vg))
	}
	if c == ZNSSD {
		return 0.5 * (1 + zncc)
	}
	return zncc
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
