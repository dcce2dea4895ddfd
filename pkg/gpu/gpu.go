// Package gpu manages the compute device used by the correlation engine.
//
// The Manager detects an OpenCL device, falls back to the host CPU when none
// is present, and enforces a hard device-memory ceiling. Every buffer the
// kernel layer allocates is reserved against that ceiling first, so running
// out of device memory surfaces as ErrOutOfMemory before the driver is ever
// asked for an allocation it cannot satisfy. The scheduler relies on that
// error to shrink its chunks.
//
// Example Usage:
//
//	config := gpu.DefaultConfig()
//	config.Enabled = true
//	config.MaxMemoryMB = 2048
//
//	manager, err := gpu.NewManager(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := manager.Reserve(64 << 20); err != nil {
//		// errors.Is(err, gpu.ErrOutOfMemory)
//	}
//	defer manager.Release(64 << 20)
//
// Supported Backends:
//
// 1. **OpenCL** (Cross-platform):
//   - Loaded at runtime through purego, no cgo required
//   - Works with NVIDIA, AMD, Intel and Apple GPUs
//
// 2. **CPU** (Always available):
//   - Executes the same generated programs with the Go reference backend
//   - Memory ceiling defaults to a quarter of physical RAM
package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"

	"github.com/orneryd/dicengine/pkg/gpu/opencl"
	"github.com/orneryd/dicengine/pkg/simd"
)

// Errors
var (
	ErrGPUNotAvailable = errors.New("gpu: no compatible GPU found")
	ErrOutOfMemory     = errors.New("gpu: out of GPU memory")
	ErrKernelFailed    = errors.New("gpu: kernel execution failed")
	ErrInvalidRelease  = errors.New("gpu: released more memory than reserved")
)

// Backend represents the compute backend.
type Backend string

const (
	BackendNone   Backend = "none"   // CPU fallback
	BackendOpenCL Backend = "opencl" // Cross-platform GPU
)

// ParseBackend maps configuration strings to a Backend. "cpu" and "" map to
// BackendNone.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "none", "cpu", "auto":
		return BackendNone, nil
	case "opencl":
		return BackendOpenCL, nil
	}
	return BackendNone, fmt.Errorf("gpu: unknown backend %q", s)
}

// Config holds device configuration options.
type Config struct {
	// Enabled toggles GPU detection; when false the CPU device is used
	Enabled bool

	// PreferredBackend selects compute backend (auto-detected if none)
	PreferredBackend Backend

	// MaxMemoryMB limits device memory usage (0 = 80% of device memory,
	// or 25% of host RAM for the CPU device)
	MaxMemoryMB int

	// MaxMemoryBytes overrides MaxMemoryMB when > 0
	MaxMemoryBytes int64

	// FallbackOnError falls back to the CPU device when no GPU is found
	FallbackOnError bool

	// DeviceID selects specific GPU (for multi-GPU systems)
	DeviceID int
}

// DefaultConfig returns conservative defaults: GPU detection on, CPU
// fallback on, automatic memory ceiling.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		PreferredBackend: BackendNone,
		MaxMemoryMB:      0,
		FallbackOnError:  true,
		DeviceID:         0,
	}
}

// DeviceInfo contains information about a compute device.
type DeviceInfo struct {
	ID           int
	Name         string
	Vendor       string
	Backend      Backend
	MemoryMB     int
	ComputeUnits int
	MaxWorkGroup int
	ImageSupport bool
	Available    bool
}

// Manager owns device selection and memory accounting.
//
// Thread Safety:
//
//	All methods are thread-safe and can be called concurrently.
type Manager struct {
	config  *Config
	device  *DeviceInfo
	enabled atomic.Bool
	mu      sync.RWMutex

	limitBytes     int64
	allocatedBytes int64

	stats Stats
}

// Stats tracks device usage statistics.
type Stats struct {
	KernelExecutions    int64
	BytesTransferred    int64
	Reservations        int64
	ReservationFailures int64
	PeakAllocatedBytes  int64
	AverageKernelTimeNs int64
	totalKernelTimeNs   int64
}

// NewManager creates a device manager.
//
// With GPU detection enabled the manager probes OpenCL; if that fails and
// FallbackOnError is set it selects the CPU device, otherwise it returns
// ErrGPUNotAvailable.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Manager{config: config}
	cpuDev := CPUDevice()
	m.device = &cpuDev

	if config.Enabled {
		device, err := detectGPU(config)
		if err != nil {
			if !config.FallbackOnError {
				return nil, err
			}
		} else {
			m.device = device
			m.enabled.Store(true)
		}
	}

	m.limitBytes = memoryLimit(config, m.device)
	return m, nil
}

func memoryLimit(config *Config, device *DeviceInfo) int64 {
	switch {
	case config.MaxMemoryBytes > 0:
		return config.MaxMemoryBytes
	case config.MaxMemoryMB > 0:
		return int64(config.MaxMemoryMB) << 20
	case device.Backend == BackendOpenCL && device.MemoryMB > 0:
		return int64(device.MemoryMB) << 20 * 8 / 10
	}
	total := int64(memory.TotalMemory())
	if total <= 0 {
		return 1 << 30
	}
	return total / 4
}

// detectGPU attempts to find a compatible GPU.
func detectGPU(config *Config) (*DeviceInfo, error) {
	backends := []Backend{BackendOpenCL}
	if config.PreferredBackend != BackendNone && config.PreferredBackend != BackendOpenCL {
		return nil, fmt.Errorf("%w: backend %s", ErrGPUNotAvailable, config.PreferredBackend)
	}

	for _, backend := range backends {
		device, err := probeBackend(backend, config.DeviceID)
		if err == nil && device != nil {
			return device, nil
		}
	}
	return nil, ErrGPUNotAvailable
}

func probeBackend(backend Backend, deviceID int) (*DeviceInfo, error) {
	switch backend {
	case BackendOpenCL:
		return probeOpenCL(deviceID)
	default:
		return nil, ErrGPUNotAvailable
	}
}

func probeOpenCL(deviceID int) (*DeviceInfo, error) {
	devices, err := opencl.Devices()
	if err != nil || len(devices) == 0 {
		return nil, ErrGPUNotAvailable
	}
	if deviceID < 0 || deviceID >= len(devices) {
		deviceID = 0
	}
	info := fromOpenCL(devices[deviceID])
	return &info, nil
}

func fromOpenCL(d opencl.DeviceInfo) DeviceInfo {
	return DeviceInfo{
		ID:           d.Index,
		Name:         d.Name,
		Vendor:       d.Vendor,
		Backend:      BackendOpenCL,
		MemoryMB:     int(d.GlobalMemBytes >> 20),
		ComputeUnits: d.ComputeUnits,
		MaxWorkGroup: d.MaxWorkGroup,
		ImageSupport: d.ImageSupport,
		Available:    true,
	}
}

// CPUDevice describes the host as a compute device.
func CPUDevice() DeviceInfo {
	info := simd.Info()
	return DeviceInfo{
		ID:           -1,
		Name:         fmt.Sprintf("%s/%s (%s)", runtime.GOOS, runtime.GOARCH, info.Implementation),
		Vendor:       "host",
		Backend:      BackendNone,
		MemoryMB:     int(memory.TotalMemory() >> 20),
		ComputeUnits: runtime.NumCPU(),
		MaxWorkGroup: 1,
		ImageSupport: true,
		Available:    true,
	}
}

// ListDevices returns every OpenCL device followed by the CPU device.
func ListDevices() []DeviceInfo {
	var out []DeviceInfo
	if devices, err := opencl.Devices(); err == nil {
		for _, d := range devices {
			out = append(out, fromOpenCL(d))
		}
	}
	return append(out, CPUDevice())
}

// IsEnabled returns whether a GPU device is active.
func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

// Disable switches the manager to the CPU device.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled.Store(false)
	cpuDev := CPUDevice()
	m.device = &cpuDev
	m.limitBytes = memoryLimit(m.config, m.device)
}

// Device returns current device info.
func (m *Manager) Device() DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.device
}

// Backend returns the backend of the active device.
func (m *Manager) Backend() Backend {
	return m.Device().Backend
}

// Reserve accounts bytes against the memory ceiling. It fails with
// ErrOutOfMemory when the reservation would exceed it.
func (m *Manager) Reserve(bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Reservations++
	if bytes < 0 || m.allocatedBytes+bytes > m.limitBytes {
		m.stats.ReservationFailures++
		return fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrOutOfMemory, bytes, m.allocatedBytes, m.limitBytes)
	}
	m.allocatedBytes += bytes
	m.stats.PeakAllocatedBytes = max(m.stats.PeakAllocatedBytes, m.allocatedBytes)
	return nil
}

// Release returns bytes to the pool.
func (m *Manager) Release(bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytes > m.allocatedBytes {
		m.allocatedBytes = 0
		return ErrInvalidRelease
	}
	m.allocatedBytes -= bytes
	return nil
}

// MemoryLimit returns the ceiling in bytes.
func (m *Manager) MemoryLimit() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limitBytes
}

// SetMemoryLimit changes the ceiling. Existing reservations are kept.
func (m *Manager) SetMemoryLimit(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limitBytes = bytes
}

// AllocatedBytes returns current device memory usage.
func (m *Manager) AllocatedBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocatedBytes
}

// AllocatedMemoryMB returns current device memory usage in MB.
func (m *Manager) AllocatedMemoryMB() int {
	return int(m.AllocatedBytes() >> 20)
}

// RecordKernel adds one kernel execution to the statistics.
func (m *Manager) RecordKernel(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.KernelExecutions++
	m.stats.totalKernelTimeNs += elapsed.Nanoseconds()
	m.stats.AverageKernelTimeNs = m.stats.totalKernelTimeNs / m.stats.KernelExecutions
}

// RecordTransfer adds host<->device traffic to the statistics.
func (m *Manager) RecordTransfer(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.BytesTransferred += bytes
}

// Stats returns usage statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
