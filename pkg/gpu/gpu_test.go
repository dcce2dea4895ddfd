package gpu

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if !config.Enabled {
		t.Error("GPU detection should be enabled by default")
	}
	if config.PreferredBackend != BackendNone {
		t.Error("preferred backend should be none by default")
	}
	if !config.FallbackOnError {
		t.Error("fallback on error should be true by default")
	}
}

func TestNewManager(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		m, err := NewManager(nil)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if m.MemoryLimit() <= 0 {
			t.Error("memory limit should be positive")
		}
	})

	t.Run("disabled uses cpu", func(t *testing.T) {
		m, err := NewManager(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if m.IsEnabled() {
			t.Error("should be disabled")
		}
		if m.Backend() != BackendNone {
			t.Errorf("backend = %s, want none", m.Backend())
		}
		if m.Device().ComputeUnits <= 0 {
			t.Error("cpu device should report compute units")
		}
	})

	t.Run("enabled with fallback", func(t *testing.T) {
		m, err := NewManager(&Config{Enabled: true, FallbackOnError: true})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if m.IsEnabled() && m.Backend() != BackendOpenCL {
			t.Error("enabled manager should report an OpenCL device")
		}
	})

	t.Run("unsupported preferred backend without fallback", func(t *testing.T) {
		_, err := NewManager(&Config{Enabled: true, PreferredBackend: "cuda"})
		if !errors.Is(err, ErrGPUNotAvailable) {
			t.Errorf("err = %v, want ErrGPUNotAvailable", err)
		}
	})
}

func TestMemoryLimitPrecedence(t *testing.T) {
	m, _ := NewManager(&Config{MaxMemoryMB: 3, MaxMemoryBytes: 1000})
	if m.MemoryLimit() != 1000 {
		t.Errorf("limit = %d, want 1000", m.MemoryLimit())
	}

	m, _ = NewManager(&Config{MaxMemoryMB: 3})
	if m.MemoryLimit() != 3<<20 {
		t.Errorf("limit = %d, want %d", m.MemoryLimit(), 3<<20)
	}
}

func TestReserveRelease(t *testing.T) {
	m, err := NewManager(&Config{MaxMemoryBytes: 100})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Reserve(60); err != nil {
		t.Fatalf("Reserve(60) error = %v", err)
	}
	if err := m.Reserve(50); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Reserve(50) error = %v, want ErrOutOfMemory", err)
	}
	if got := m.AllocatedBytes(); got != 60 {
		t.Errorf("allocated = %d, want 60", got)
	}
	if err := m.Release(60); err != nil {
		t.Fatal(err)
	}
	if err := m.Reserve(100); err != nil {
		t.Fatalf("Reserve(100) after release error = %v", err)
	}
	if err := m.Release(200); !errors.Is(err, ErrInvalidRelease) {
		t.Errorf("over-release error = %v", err)
	}

	stats := m.Stats()
	if stats.ReservationFailures != 1 {
		t.Errorf("failures = %d, want 1", stats.ReservationFailures)
	}
	if stats.PeakAllocatedBytes != 100 {
		t.Errorf("peak = %d, want 100", stats.PeakAllocatedBytes)
	}
}

func TestReserveConcurrent(t *testing.T) {
	m, _ := NewManager(&Config{MaxMemoryBytes: 1000})
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Reserve(100) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 10 {
		t.Errorf("granted = %d, want 10", granted)
	}
}

func TestRecordKernel(t *testing.T) {
	m, _ := NewManager(&Config{})
	m.RecordKernel(2 * time.Millisecond)
	m.RecordKernel(4 * time.Millisecond)
	m.RecordTransfer(512)

	stats := m.Stats()
	if stats.KernelExecutions != 2 {
		t.Errorf("executions = %d", stats.KernelExecutions)
	}
	if stats.AverageKernelTimeNs != int64(3*time.Millisecond) {
		t.Errorf("average = %d", stats.AverageKernelTimeNs)
	}
	if stats.BytesTransferred != 512 {
		t.Errorf("transferred = %d", stats.BytesTransferred)
	}
}

func TestListDevicesIncludesCPU(t *testing.T) {
	devices := ListDevices()
	if len(devices) == 0 {
		t.Fatal("expected at least the CPU device")
	}
	last := devices[len(devices)-1]
	if last.Backend != BackendNone {
		t.Errorf("last device backend = %s, want none", last.Backend)
	}
}

func TestParseBackend(t *testing.T) {
	for in, want := range map[string]Backend{"cpu": BackendNone, "": BackendNone, "opencl": BackendOpenCL} {
		got, err := ParseBackend(in)
		if err != nil || got != want {
			t.Errorf("ParseBackend(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseBackend("metal"); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
