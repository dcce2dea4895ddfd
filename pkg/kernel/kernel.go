// Package kernel generates, compiles and launches the correlation program.
//
// A Kernel is created per solve. It owns the compiled programs and every
// device buffer of that solve, serialises submissions to its backend and
// frees everything on Release.
//
// Example:
//
//	backend, _ := kernel.NewBackend("auto", manager, log)
//	k, _ := kernel.New(backend, kernel.DefaultConfiguration(), log)
//	defer k.Release()
//	prog, _ := k.Prepare(10, deformation.First, true, imaging.Bilinear)
//	scores, _ := k.Run(ctx, prog, unit, 0, 4096)
package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/reduce"
)

// Program is a compiled correlation program.
type Program struct {
	Params Params
	Source string
	exec   Executable
}

// Stats counts kernel activity.
type Stats struct {
	Compiles int64
	Launches int64
	Uploads  int64
	Reuses   int64
}

// slot is one cached device buffer and the identity of its contents.
type slot struct {
	key uint64
	buf Buffer
}

// Kernel binds a backend to one concrete configuration.
type Kernel struct {
	backend Backend
	config  Configuration
	log     logrus.FieldLogger

	mu       sync.Mutex
	released bool
	programs map[Params]*Program

	imageA, imageB         uuid.UUID
	imageABuf, imageBBuf   Buffer
	points, centers, sigma slot
	table, counts          slot

	compiles, launches, uploads, reuses atomic.Int64
}

// New creates a kernel. A configuration with wildcard axes is resolved to
// the static defaults.
func New(backend Backend, config Configuration, log logrus.FieldLogger) (*Kernel, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if !config.IsConcrete() {
		resolved, err := Resolve(config)
		if err != nil {
			return nil, err
		}
		config = resolved
	}
	if excluded, reason := Excluded(config); excluded {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnsupportedConfiguration, config, reason)
	}
	return &Kernel{
		backend:  backend,
		config:   config,
		log:      log.WithFields(logrus.Fields{"backend": backend.Name(), "config": config.Key()}),
		programs: make(map[Params]*Program),
	}, nil
}

// Configuration returns the concrete configuration of k.
func (k *Kernel) Configuration() Configuration { return k.config }

// Backend returns the backend k launches on.
func (k *Kernel) Backend() Backend { return k.backend }

// Prepare returns the program for the given shape, generating and compiling
// it on first use.
func (k *Kernel) Prepare(subsetSize int, order deformation.Order, usesLimits bool, interp imaging.Interpolation) (*Program, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil, ErrReleased
	}
	p := Params{SubsetSize: subsetSize, Order: order, UsesLimits: usesLimits, Interpolation: interp, Config: k.config}
	if prog, ok := k.programs[p]; ok {
		return prog, nil
	}
	src, err := Generate(p)
	if err != nil {
		return nil, err
	}
	exec, err := k.backend.Compile(p, src)
	if err != nil {
		return nil, err
	}
	k.compiles.Add(1)
	k.log.WithFields(logrus.Fields{"subset_size": subsetSize, "order": order.String(), "limits": usesLimits, "interpolation": interp.String()}).
		Debug("compiled correlation program")
	prog := &Program{Params: p, Source: src, exec: exec}
	k.programs[p] = prog
	return prog, nil
}

// Run scores candidates [start, start+count) of every subset of unit and
// returns the raw buffer, subset-major and candidate-minor.
func (k *Kernel) Run(ctx context.Context, prog *Program, unit *dic.WorkUnit, start int64, count int) ([]float32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, err := k.bind(prog, unit, start, count)
	if err != nil {
		return nil, err
	}
	if l.Scores() == 0 {
		return []float32{}, nil
	}
	k.launches.Add(1)
	return prog.exec.Run(ctx, l)
}

// RunBest scores a chunk and returns the per-subset maximum and its
// chunk-local candidate position. Device reduction is used when the
// program supports it.
func (k *Kernel) RunBest(ctx context.Context, prog *Program, unit *dic.WorkUnit, start int64, count int) ([]float32, []int32, error) {
	k.mu.Lock()
	l, err := k.bind(prog, unit, start, count)
	if err != nil {
		k.mu.Unlock()
		return nil, nil, err
	}
	n := len(unit.Subsets)
	if l.Scores() == 0 {
		k.mu.Unlock()
		maxima := make([]float32, n)
		positions := make([]int32, n)
		for i := range maxima {
			maxima[i] = float32(math.Inf(-1))
			positions[i] = reduce.NoPosition
		}
		return maxima, positions, nil
	}
	k.launches.Add(1)
	if r, ok := prog.exec.(ReducingExecutable); ok {
		maxima, positions, err := r.RunReduced(ctx, l)
		k.mu.Unlock()
		return maxima, positions, err
	}
	scores, err := prog.exec.Run(ctx, l)
	k.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return reduce.Reduce(ctx, scores, n, count, reduce.NormOf(unit, start))
}

// Stats returns a snapshot of the counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Compiles: k.compiles.Load(),
		Launches: k.launches.Load(),
		Uploads:  k.uploads.Load(),
		Reuses:   k.reuses.Load(),
	}
}

// Release frees every program and buffer. The kernel cannot be used
// afterwards; Release is idempotent.
func (k *Kernel) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return
	}
	k.released = true
	for _, prog := range k.programs {
		prog.exec.Release()
	}
	k.programs = nil
	for _, b := range []Buffer{k.imageABuf, k.imageBBuf, k.points.buf, k.centers.buf, k.sigma.buf, k.table.buf, k.counts.buf} {
		if b != nil {
			k.backend.Free(b)
		}
	}
	k.imageABuf, k.imageBBuf = nil, nil
	k.points, k.centers, k.sigma, k.table, k.counts = slot{}, slot{}, slot{}, slot{}, slot{}
	k.imageA, k.imageB = uuid.Nil, uuid.Nil
	k.log.WithFields(logrus.Fields{"uploads": k.uploads.Load(), "reuses": k.reuses.Load()}).Debug("kernel released")
}

// bind uploads whatever changed since the previous launch and assembles the
// launch arguments. Caller holds k.mu.
func (k *Kernel) bind(prog *Program, unit *dic.WorkUnit, start int64, count int) (*Launch, error) {
	if k.released {
		return nil, ErrReleased
	}
	if prog == nil || prog.exec == nil {
		return nil, fmt.Errorf("%w: nil program", ErrCompileFailed)
	}
	if unit.UsesLimits != prog.Params.UsesLimits || unit.Order != prog.Params.Order {
		return nil, fmt.Errorf("%w: work unit does not match program", dic.ErrInvalidWorkUnit)
	}
	if count < 0 || start < 0 {
		return nil, fmt.Errorf("%w: candidate range [%d, %d+%d)", dic.ErrInvalidWorkUnit, start, start, count)
	}
	pointCount, err := uniformPoints(unit.Subsets, prog.Params.MaxPoints())
	if err != nil {
		return nil, err
	}

	l := &Launch{
		Width:          unit.ImageA.Width,
		Height:         unit.ImageA.Height,
		SubsetCount:    len(unit.Subsets),
		PointCount:     pointCount,
		CandidateStart: start,
		CandidateCount: count,
	}
	if l.SubsetCount == 0 || count == 0 {
		l.CandidateCount = 0
		return l, nil
	}

	if l.ImageA, err = k.image(unit.ImageA, &k.imageA, &k.imageABuf); err != nil {
		return nil, err
	}
	if l.ImageB, err = k.image(unit.ImageB, &k.imageB, &k.imageBBuf); err != nil {
		return nil, err
	}

	pts, ctr, sig := packGeometry(unit, pointCount, k.config.Layout)
	if l.Points, err = k.floats(&k.points, pts); err != nil {
		return nil, err
	}
	if l.Centers, err = k.floats(&k.centers, ctr); err != nil {
		return nil, err
	}
	if l.Sigmas, err = k.floats(&k.sigma, sig); err != nil {
		return nil, err
	}

	var table []float32
	var counts []int32
	if unit.UsesLimits {
		table, counts = packLimits(unit, k.config.Layout)
	} else {
		table, counts, l.Stride = packCandidates(unit, k.config.Layout)
	}
	if l.Table, err = k.floats(&k.table, table); err != nil {
		return nil, err
	}
	if l.Counts, err = k.ints(&k.counts, counts); err != nil {
		return nil, err
	}
	return l, nil
}

func (k *Kernel) image(img *imaging.Image, id *uuid.UUID, buf *Buffer) (Buffer, error) {
	if *buf != nil && *id == img.ID {
		k.reuses.Add(1)
		return *buf, nil
	}
	if *buf != nil {
		k.backend.Free(*buf)
		*buf = nil
	}
	b, err := k.backend.UploadImage(img, k.config.Input)
	if err != nil {
		return nil, err
	}
	k.uploads.Add(1)
	*id, *buf = img.ID, b
	return b, nil
}

func (k *Kernel) floats(s *slot, data []float32) (Buffer, error) {
	key := hashFloats(data)
	if s.buf != nil && s.key == key {
		k.reuses.Add(1)
		return s.buf, nil
	}
	if s.buf != nil {
		k.backend.Free(s.buf)
		*s = slot{}
	}
	b, err := k.backend.UploadFloats(data)
	if err != nil {
		return nil, err
	}
	k.uploads.Add(1)
	*s = slot{key: key, buf: b}
	return b, nil
}

func (k *Kernel) ints(s *slot, data []int32) (Buffer, error) {
	key := hashInts(data)
	if s.buf != nil && s.key == key {
		k.reuses.Add(1)
		return s.buf, nil
	}
	if s.buf != nil {
		k.backend.Free(s.buf)
		*s = slot{}
	}
	b, err := k.backend.UploadInts(data)
	if err != nil {
		return nil, err
	}
	k.uploads.Add(1)
	*s = slot{key: key, buf: b}
	return b, nil
}

func uniformPoints(subsets []dic.Subset, limit int) (int, error) {
	if len(subsets) == 0 {
		return 0, nil
	}
	n := len(subsets[0].Points)
	for i, s := range subsets {
		if len(s.Points) != n {
			return 0, fmt.Errorf("%w: subset %d has %d points, subset 0 has %d", ErrSubsetGeometry, i, len(s.Points), n)
		}
	}
	if n == 0 || n > limit {
		return 0, fmt.Errorf("%w: %d points per subset, program accepts 1..%d", ErrSubsetGeometry, n, limit)
	}
	return n, nil
}

// packGeometry lays out subset offsets, centres and Gaussian sigmas.
func packGeometry(unit *dic.WorkUnit, n int, layout Layout) (points, centers, sigmas []float32) {
	s := len(unit.Subsets)
	points = make([]float32, 2*s*n)
	centers = make([]float32, 2*s)
	sigmas = make([]float32, s)
	for i, sub := range unit.Subsets {
		centers[2*i] = float32(sub.Center.X)
		centers[2*i+1] = float32(sub.Center.Y)
		sigmas[i] = float32(unit.Weight(i))
		for j, p := range sub.Points {
			if layout == Planar {
				points[i*2*n+j] = float32(p.X)
				points[i*2*n+n+j] = float32(p.Y)
			} else {
				points[2*(i*n+j)] = float32(p.X)
				points[2*(i*n+j)+1] = float32(p.Y)
			}
		}
	}
	return points, centers, sigmas
}

// packLimits lays out per-subset limit triples and per-coefficient counts.
// Planar stores all minima, then all maxima, then all steps.
func packLimits(unit *dic.WorkUnit, layout Layout) ([]float32, []int32) {
	nc := deformation.CoefficientCount(unit.Order)
	table := make([]float32, len(unit.Subsets)*3*nc)
	counts := make([]int32, len(unit.Subsets)*nc)
	for i, lim := range unit.Limits {
		row := table[i*3*nc : (i+1)*3*nc]
		cnt, err := deformation.Counts(lim)
		for c := 0; c < nc; c++ {
			if layout == Planar {
				row[c] = float32(lim.Min(c))
				row[nc+c] = float32(lim.Max(c))
				row[2*nc+c] = float32(lim.Step(c))
			} else {
				row[3*c] = float32(lim.Min(c))
				row[3*c+1] = float32(lim.Max(c))
				row[3*c+2] = float32(lim.Step(c))
			}
			if err == nil {
				counts[i*nc+c] = int32(cnt[c])
			}
		}
	}
	return table, counts
}

// packCandidates pads every subset's list to the longest one. Interleaved
// rows are candidate-major; planar columns are coefficient-major.
func packCandidates(unit *dic.WorkUnit, layout Layout) ([]float32, []int32, int) {
	nc := deformation.CoefficientCount(unit.Order)
	stride := 0
	for _, list := range unit.Candidates {
		stride = max(stride, len(list))
	}
	table := make([]float32, len(unit.Subsets)*stride*nc)
	counts := make([]int32, len(unit.Subsets))
	for i, list := range unit.Candidates {
		counts[i] = int32(len(list))
		base := i * stride * nc
		for c, v := range list {
			for j := 0; j < nc; j++ {
				if layout == Planar {
					table[base+j*stride+c] = float32(v[j])
				} else {
					table[base+c*nc+j] = float32(v[j])
				}
			}
		}
	}
	return table, counts, stride
}

func hashFloats(data []float32) uint64 {
	d := xxhash.New()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(data)))
	_, _ = d.Write(b[:])
	for _, v := range data {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		_, _ = d.Write(b[:])
	}
	return d.Sum64()
}

func hashInts(data []int32) uint64 {
	d := xxhash.New()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(data)))
	_, _ = d.Write(b[:])
	for _, v := range data {
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		_, _ = d.Write(b[:])
	}
	return d.Sum64()
}
