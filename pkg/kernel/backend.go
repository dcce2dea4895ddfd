package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/imaging"
)

// Errors
var (
	// ErrDeviceResourceExhausted marks a launch that did not fit the device.
	// It is recoverable: a smaller chunk may succeed.
	ErrDeviceResourceExhausted  = errors.New("kernel: device resource exhausted")
	ErrCompileFailed            = errors.New("kernel: program compilation failed")
	ErrUnsupportedConfiguration = errors.New("kernel: unsupported configuration")
	ErrUnresolvedConfiguration  = errors.New("kernel: configuration has wildcard axes")
	ErrSubsetGeometry           = errors.New("kernel: invalid subset geometry")
	ErrUnknownBackend           = errors.New("kernel: unknown backend")
	ErrReleased                 = errors.New("kernel: kernel released")
)

// Buffer is a device allocation owned by a backend.
type Buffer interface {
	Size() int64
}

// Launch carries the arguments of one correlation launch. Buffers are
// produced by the same backend that executes the launch.
type Launch struct {
	ImageA  Buffer
	ImageB  Buffer
	Points  Buffer
	Centers Buffer
	Sigmas  Buffer
	Table   Buffer
	Counts  Buffer

	Width  int
	Height int

	SubsetCount    int
	PointCount     int
	CandidateStart int64
	CandidateCount int
	// Stride is the padded candidate count per subset of an explicit
	// candidate table; unused for limits.
	Stride int
}

// Scores returns the number of raw scores a launch produces.
func (l *Launch) Scores() int {
	return l.SubsetCount * l.CandidateCount
}

// Executable is a compiled program.
type Executable interface {
	// Run returns the raw score buffer laid out subset-major,
	// candidate-minor.
	Run(ctx context.Context, l *Launch) ([]float32, error)
	Release()
}

// ReducingExecutable is implemented by executables that can reduce scores
// on the device and only read back the per-subset best value and its
// chunk-local candidate position.
type ReducingExecutable interface {
	Executable
	RunReduced(ctx context.Context, l *Launch) ([]float32, []int32, error)
}

// Backend compiles programs and owns device memory.
type Backend interface {
	Name() string
	Device() gpu.DeviceInfo
	Compile(p Params, source string) (Executable, error)
	UploadImage(img *imaging.Image, input Input) (Buffer, error)
	UploadFloats(data []float32) (Buffer, error)
	UploadInts(data []int32) (Buffer, error)
	Free(b Buffer)
	Close() error
}

// Factory builds a backend on top of a device manager.
type Factory func(m *gpu.Manager, log logrus.FieldLogger) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name. Registering the same name
// twice replaces the factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewBackend builds a backend by name. "auto" selects OpenCL when the
// manager found a GPU and the CPU backend otherwise.
func NewBackend(name string, m *gpu.Manager, log logrus.FieldLogger) (Backend, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if name == "" || name == "auto" {
		name = BackendCPU
		if m.IsEnabled() && m.Backend() == gpu.BackendOpenCL {
			name = BackendOpenCL
		}
	}
	registryMu.RLock()
	f, ok := registry[name]
	fallback := registry[BackendCPU]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	b, err := f(m, log)
	if err != nil && name == BackendOpenCL && fallback != nil {
		log.WithError(err).Warn("OpenCL backend unavailable, using CPU backend")
		return fallback(m, log)
	}
	return b, err
}

// Backend names
const (
	BackendCPU    = "cpu"
	BackendOpenCL = "opencl"
)

func init() {
	Register(BackendCPU, newCPUBackend)
	Register(BackendOpenCL, newOpenCLBackend)
}

// exhausted wraps a memory reservation failure as a recoverable error.
func exhausted(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gpu.ErrOutOfMemory) {
		return fmt.Errorf("%w: %w", ErrDeviceResourceExhausted, err)
	}
	return err
}
