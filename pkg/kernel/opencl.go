package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/gpu/opencl"
	"github.com/orneryd/dicengine/pkg/imaging"
)

// openclBackend runs generated programs through the OpenCL runtime.
type openclBackend struct {
	manager *gpu.Manager
	log     logrus.FieldLogger
	ctx     *opencl.Context
	device  gpu.DeviceInfo
}

type clBuffer struct {
	buf *opencl.Buffer
}

func (b *clBuffer) Size() int64 { return b.buf.Size() }

func newOpenCLBackend(m *gpu.Manager, log logrus.FieldLogger) (Backend, error) {
	dev := m.Device()
	if dev.Backend != gpu.BackendOpenCL {
		return nil, gpu.ErrGPUNotAvailable
	}
	ctx, err := opencl.NewContext(dev.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gpu.ErrGPUNotAvailable, err)
	}
	log.WithFields(logrus.Fields{"device": dev.Name, "vendor": dev.Vendor, "memory_mb": dev.MemoryMB}).
		Info("OpenCL device opened")
	return &openclBackend{manager: m, log: log, ctx: ctx, device: dev}, nil
}

func (b *openclBackend) Name() string { return BackendOpenCL }

func (b *openclBackend) Device() gpu.DeviceInfo { return b.device }

// deviceError classifies an OpenCL failure: allocation failures become
// recoverable exhaustion, everything else a fatal kernel failure.
func deviceError(err error) error {
	if err == nil {
		return nil
	}
	if opencl.IsResourceExhausted(err) {
		return fmt.Errorf("%w: %w", ErrDeviceResourceExhausted, err)
	}
	if errors.Is(err, ErrDeviceResourceExhausted) {
		return err
	}
	return fmt.Errorf("%w: %w", gpu.ErrKernelFailed, err)
}

func (b *openclBackend) Compile(p Params, source string) (Executable, error) {
	if p.Config.Input == InputImage && !b.device.ImageSupport {
		return nil, fmt.Errorf("%w: device has no image support", ErrUnsupportedConfiguration)
	}
	prog, err := b.ctx.Build(source, "-cl-fast-relaxed-math")
	if err != nil {
		b.log.WithError(err).WithField("config", p.Config.Key()).Error("OpenCL build failed")
		return nil, fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}
	exec := &clExecutable{backend: b, params: p, program: prog}
	for name, dst := range map[string]**opencl.Kernel{
		"correlate": &exec.correlate, "reduce_max": &exec.reduceMax, "locate_max": &exec.locateMax,
	} {
		k, err := prog.Kernel(name)
		if err != nil {
			exec.Release()
			return nil, fmt.Errorf("%w: %w", ErrCompileFailed, err)
		}
		*dst = k
	}
	return exec, nil
}

func (b *openclBackend) track(size int64, alloc func() (*opencl.Buffer, error)) (Buffer, error) {
	if err := exhausted(b.manager.Reserve(size)); err != nil {
		return nil, err
	}
	buf, err := alloc()
	if err != nil {
		b.manager.Release(size)
		return nil, deviceError(err)
	}
	b.manager.RecordTransfer(size)
	return &clBuffer{buf: buf}, nil
}

func (b *openclBackend) UploadImage(img *imaging.Image, input Input) (Buffer, error) {
	size := int64(len(img.Pix)) * 4
	if input == InputImage {
		return b.track(size, func() (*opencl.Buffer, error) { return b.ctx.NewImage2D(img.Width, img.Height, img.Pix) })
	}
	return b.track(size, func() (*opencl.Buffer, error) { return b.ctx.NewFloatBuffer(img.Pix) })
}

func (b *openclBackend) UploadFloats(data []float32) (Buffer, error) {
	return b.track(int64(max(1, len(data)))*4, func() (*opencl.Buffer, error) { return b.ctx.NewFloatBuffer(data) })
}

func (b *openclBackend) UploadInts(data []int32) (Buffer, error) {
	return b.track(int64(max(1, len(data)))*4, func() (*opencl.Buffer, error) { return b.ctx.NewIntBuffer(data) })
}

func (b *openclBackend) Free(buf Buffer) {
	cb, ok := buf.(*clBuffer)
	if !ok || cb == nil {
		return
	}
	size := cb.Size()
	cb.buf.Release()
	if err := b.manager.Release(size); err != nil {
		b.log.WithError(err).Warn("device memory accounting out of balance")
	}
}

func (b *openclBackend) Close() error {
	b.ctx.Release()
	return nil
}

// clExecutable holds the three entry points of one program and a result
// buffer that grows with the largest launch seen.
type clExecutable struct {
	backend   *openclBackend
	params    Params
	program   *opencl.Program
	correlate *opencl.Kernel
	reduceMax *opencl.Kernel
	locateMax *opencl.Kernel

	mu     sync.Mutex
	result Buffer
}

func (e *clExecutable) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range []*opencl.Kernel{e.correlate, e.reduceMax, e.locateMax} {
		if k != nil {
			k.Release()
		}
	}
	if e.result != nil {
		e.backend.Free(e.result)
		e.result = nil
	}
	e.program.Release()
}

func (e *clExecutable) resultBuffer(scores int) (*opencl.Buffer, error) {
	size := int64(max(1, scores)) * 4
	if e.result != nil && e.result.Size() >= size {
		return e.result.(*clBuffer).buf, nil
	}
	if e.result != nil {
		e.backend.Free(e.result)
		e.result = nil
	}
	buf, err := e.backend.track(size, func() (*opencl.Buffer, error) {
		return e.backend.ctx.NewBuffer(opencl.CL_MEM_READ_WRITE, size, nil)
	})
	if err != nil {
		return nil, err
	}
	e.result = buf
	return buf.(*clBuffer).buf, nil
}

func (e *clExecutable) launch(ctx context.Context, l *Launch) (*opencl.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.PointCount > e.params.MaxPoints() {
		return nil, fmt.Errorf("%w: %d points exceed %d", ErrSubsetGeometry, l.PointCount, e.params.MaxPoints())
	}
	out, err := e.resultBuffer(l.Scores())
	if err != nil {
		return nil, err
	}

	k := e.correlate
	bufs := []Buffer{l.ImageA, l.ImageB}
	for i, b := range bufs {
		if err := k.SetBuffer(i, b.(*clBuffer).buf); err != nil {
			return nil, deviceError(err)
		}
	}
	steps := []func() error{
		func() error { return k.SetInt32(2, int32(l.Width)) },
		func() error { return k.SetInt32(3, int32(l.Height)) },
		func() error { return k.SetBuffer(4, l.Points.(*clBuffer).buf) },
		func() error { return k.SetBuffer(5, l.Centers.(*clBuffer).buf) },
		func() error { return k.SetBuffer(6, l.Sigmas.(*clBuffer).buf) },
		func() error { return k.SetBuffer(7, l.Table.(*clBuffer).buf) },
		func() error { return k.SetBuffer(8, l.Counts.(*clBuffer).buf) },
		func() error { return k.SetInt32(9, int32(l.SubsetCount)) },
		func() error { return k.SetInt32(10, int32(l.PointCount)) },
		func() error { return k.SetInt32(11, int32(l.Stride)) },
		func() error { return k.SetInt64(12, l.CandidateStart) },
		func() error { return k.SetInt32(13, int32(l.CandidateCount)) },
		func() error { return k.SetBuffer(14, out) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, deviceError(err)
		}
	}

	group := e.groupSize()
	var global, local []int
	switch e.params.Config.Variant {
	case Variant1D:
		global = []int{roundUp(l.Scores(), group)}
		local = []int{group}
	case Variant2D:
		global = []int{roundUp(l.CandidateCount, 16), l.SubsetCount}
		local = []int{16, 1}
	default:
		global = []int{l.SubsetCount * group}
		local = []int{group}
	}

	start := time.Now()
	if err := e.backend.ctx.Launch(k, global, local); err != nil {
		return nil, deviceError(err)
	}
	e.backend.manager.RecordKernel(time.Since(start))
	return out, nil
}

func (e *clExecutable) Run(ctx context.Context, l *Launch) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.launch(ctx, l)
	if err != nil {
		return nil, err
	}
	scores := make([]float32, l.Scores())
	if err := e.backend.ctx.ReadFloats(out, scores); err != nil {
		return nil, deviceError(err)
	}
	e.backend.manager.RecordTransfer(int64(len(scores)) * 4)
	return scores, nil
}

// RunReduced launches the correlation followed by the device max-reduction
// and the position-find pass. Only two values per subset are read back.
func (e *clExecutable) RunReduced(ctx context.Context, l *Launch) ([]float32, []int32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.launch(ctx, l)
	if err != nil {
		return nil, nil, err
	}

	n := l.SubsetCount
	bestBuf, err := e.backend.track(int64(n)*4, func() (*opencl.Buffer, error) {
		return e.backend.ctx.NewBuffer(opencl.CL_MEM_READ_WRITE, int64(n)*4, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	defer e.backend.Free(bestBuf)
	posBuf, err := e.backend.track(int64(n)*4, func() (*opencl.Buffer, error) {
		return e.backend.ctx.NewBuffer(opencl.CL_MEM_READ_WRITE, int64(n)*4, nil)
	})
	if err != nil {
		return nil, nil, err
	}
	defer e.backend.Free(posBuf)

	best := bestBuf.(*clBuffer).buf
	pos := posBuf.(*clBuffer).buf
	group := e.groupSize()

	r := e.reduceMax
	for _, step := range []func() error{
		func() error { return r.SetBuffer(0, out) },
		func() error { return r.SetInt32(1, int32(l.CandidateCount)) },
		func() error { return r.SetBuffer(2, best) },
		func() error { return r.SetLocal(3, group*4) },
	} {
		if err := step(); err != nil {
			return nil, nil, deviceError(err)
		}
	}
	if err := e.backend.ctx.Launch(r, []int{n * group}, []int{group}); err != nil {
		return nil, nil, deviceError(err)
	}

	f := e.locateMax
	for _, step := range []func() error{
		func() error { return f.SetBuffer(0, out) },
		func() error { return f.SetBuffer(1, best) },
		func() error { return f.SetBuffer(2, l.Table.(*clBuffer).buf) },
		func() error { return f.SetBuffer(3, l.Counts.(*clBuffer).buf) },
		func() error { return f.SetInt32(4, int32(l.Stride)) },
		func() error { return f.SetInt64(5, l.CandidateStart) },
		func() error { return f.SetInt32(6, int32(l.CandidateCount)) },
		func() error { return f.SetBuffer(7, pos) },
		func() error { return f.SetLocal(8, group*4) },
		func() error { return f.SetLocal(9, group*4) },
	} {
		if err := step(); err != nil {
			return nil, nil, deviceError(err)
		}
	}
	if err := e.backend.ctx.Launch(f, []int{n * group}, []int{group}); err != nil {
		return nil, nil, deviceError(err)
	}

	maxima := make([]float32, n)
	positions := make([]int32, n)
	if err := e.backend.ctx.ReadFloats(best, maxima); err != nil {
		return nil, nil, deviceError(err)
	}
	if err := e.backend.ctx.ReadInts(pos, positions); err != nil {
		return nil, nil, deviceError(err)
	}
	return maxima, positions, nil
}

// groupSize is the largest power of two not above the device work group
// limit, capped at 256.
func (e *clExecutable) groupSize() int {
	limit := e.backend.device.MaxWorkGroup
	if limit <= 0 {
		limit = 64
	}
	g := 1
	for g*2 <= min(limit, 256) {
		g *= 2
	}
	return g
}

func roundUp(n, m int) int {
	if n%m == 0 {
		return max(n, m)
	}
	return (n/m + 1) * m
}
