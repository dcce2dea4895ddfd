package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"DIC_GPU_ENABLED", "DIC_BACKEND", "DIC_DEVICE_ID", "DIC_MAX_MEMORY", "DIC_GPU_FALLBACK",
	"DIC_KERNEL_CONFIG", "DIC_INTERPOLATION",
	"DIC_TARGET_LATENCY", "DIC_INITIAL_SUBSETS", "DIC_INITIAL_CANDIDATES", "DIC_MAX_SUBSETS", "DIC_MAX_CANDIDATES",
	"DIC_SOLVER", "DIC_COARSE_STEP", "DIC_STEP_REDUCTION", "DIC_NEWTON_ROUNDS", "DIC_SPGD_ROUNDS",
	"DIC_SPGD_GAIN", "DIC_WORKERS", "DIC_SEED",
	"DIC_CACHE_DIR", "DIC_CACHE_FRESHNESS", "DIC_BENCHMARK",
	"DIC_LOG_LEVEL", "DIC_LOG_FORMAT", "DIC_LOG_OUTPUT",
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := LoadDefaults()

	if !cfg.Device.GPUEnabled || !cfg.Device.FallbackOnError {
		t.Error("expected GPU probing with CPU fallback by default")
	}
	if cfg.Device.Backend != "auto" {
		t.Errorf("expected backend 'auto', got %q", cfg.Device.Backend)
	}
	if cfg.Kernel.Configuration != "best" {
		t.Errorf("expected kernel configuration 'best', got %q", cfg.Kernel.Configuration)
	}
	if cfg.Kernel.Interpolation != "bilinear" {
		t.Errorf("expected bilinear interpolation, got %q", cfg.Kernel.Interpolation)
	}
	if cfg.Chunking.TargetLatency != 5*time.Second {
		t.Errorf("expected 5s target latency, got %v", cfg.Chunking.TargetLatency)
	}
	if cfg.Chunking.InitialSubsets != 1 || cfg.Chunking.InitialCandidates != 1024 {
		t.Errorf("expected initial chunk 1x1024, got %dx%d",
			cfg.Chunking.InitialSubsets, cfg.Chunking.InitialCandidates)
	}
	if cfg.Solver.Kind != "bruteforce" {
		t.Errorf("expected bruteforce solver, got %q", cfg.Solver.Kind)
	}
	if cfg.Solver.StepReduction != 10 || cfg.Solver.Gain != 100 {
		t.Errorf("unexpected solver tunables %+v", cfg.Solver)
	}
	if cfg.CostModel.FreshnessWindow != 7*24*time.Hour {
		t.Errorf("expected 7 day freshness window, got %v", cfg.CostModel.FreshnessWindow)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Level != "info" {
		t.Errorf("unexpected logging defaults %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
device:
  gpu_enabled: false
  backend: cpu
  max_memory: 512MB
kernel:
  configuration: 1d/array
  interpolation: bicubic
chunking:
  target_latency: 250ms
  initial_subsets: 4
solver:
  kind: newton-sift
  newton_rounds: 20
cost_model:
  cache_dir: ""
  freshness_window: 1h
  subset_sizes: [5]
logging:
  level: debug
  format: json
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Device.GPUEnabled {
		t.Error("expected gpu_enabled false from file")
	}
	if cfg.Device.MaxMemoryBytes != 512<<20 {
		t.Errorf("expected 512MB, got %d", cfg.Device.MaxMemoryBytes)
	}
	if cfg.Kernel.Configuration != "1d/array" || cfg.Kernel.Interpolation != "bicubic" {
		t.Errorf("unexpected kernel section %+v", cfg.Kernel)
	}
	if cfg.Chunking.TargetLatency != 250*time.Millisecond || cfg.Chunking.InitialSubsets != 4 {
		t.Errorf("unexpected chunking section %+v", cfg.Chunking)
	}
	if cfg.Chunking.InitialCandidates != 1024 {
		t.Errorf("unset fields should keep defaults, got %d", cfg.Chunking.InitialCandidates)
	}
	if cfg.Solver.Kind != "newton-sift" || cfg.Solver.NewtonRounds != 20 {
		t.Errorf("unexpected solver section %+v", cfg.Solver)
	}
	if cfg.CostModel.CacheDir != "" {
		t.Errorf("expected explicit empty cache dir, got %q", cfg.CostModel.CacheDir)
	}
	if len(cfg.CostModel.SubsetSizes) != 1 || cfg.CostModel.SubsetSizes[0] != 5 {
		t.Errorf("unexpected subset sizes %v", cfg.CostModel.SubsetSizes)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging section %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("file config should validate: %v", err)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.Solver.Kind != "bruteforce" {
		t.Errorf("expected defaults, got solver %q", cfg.Solver.Kind)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(writeFile(t, "device: [")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadFromFile(writeFile(t, "chunking:\n  target_latency: soon\n")); err == nil {
		t.Error("expected duration error")
	}
	_, err := LoadFromFile(writeFile(t, "device:\n  max_memory: lots\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad memory size, got %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnvVars(t)
	path := writeFile(t, "solver:\n  kind: coarsefine\nlogging:\n  level: warn\n")
	t.Setenv("DIC_SOLVER", "spgd")
	t.Setenv("DIC_MAX_MEMORY", "1GB")
	t.Setenv("DIC_TARGET_LATENCY", "2")
	t.Setenv("DIC_CACHE_DIR", "")
	t.Setenv("DIC_GPU_ENABLED", "off")
	t.Setenv("DIC_SEED", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Solver.Kind != "spgd" {
		t.Errorf("env should win over file, got %q", cfg.Solver.Kind)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("file should win over defaults, got %q", cfg.Logging.Level)
	}
	if cfg.Device.MaxMemoryBytes != 1<<30 {
		t.Errorf("expected 1GB, got %d", cfg.Device.MaxMemoryBytes)
	}
	if cfg.Chunking.TargetLatency != 2*time.Second {
		t.Errorf("expected bare seconds to parse, got %v", cfg.Chunking.TargetLatency)
	}
	if cfg.CostModel.CacheDir != "" {
		t.Errorf("expected empty cache dir from env, got %q", cfg.CostModel.CacheDir)
	}
	if cfg.Device.GPUEnabled {
		t.Error("expected DIC_GPU_ENABLED=off to disable probing")
	}
	if cfg.Solver.Seed != 42 {
		t.Errorf("expected seed 42, got %d", cfg.Solver.Seed)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"backend", func(c *Config) { c.Device.Backend = "cuda" }},
		{"memory", func(c *Config) { c.Device.MaxMemoryBytes = -1 }},
		{"kernel", func(c *Config) { c.Kernel.Configuration = "3d" }},
		{"interpolation", func(c *Config) { c.Kernel.Interpolation = "nearest" }},
		{"latency", func(c *Config) { c.Chunking.TargetLatency = 0 }},
		{"chunk", func(c *Config) { c.Chunking.InitialCandidates = 0 }},
		{"solver", func(c *Config) { c.Solver.Kind = "annealing" }},
		{"tunables", func(c *Config) { c.Solver.CoarseStep = -1 }},
		{"freshness", func(c *Config) { c.CostModel.FreshnessWindow = 0 }},
		{"format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mut(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnvVars(t)
	cfg := LoadDefaults()
	cfg.Device.GPUEnabled = false
	cfg.Device.MaxMemoryBytes = 3 << 20
	cfg.Solver.Kind = "newton-central"
	cfg.CostModel.CacheDir = ""
	cfg.CostModel.Benchmark = false

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Device.GPUEnabled || loaded.CostModel.Benchmark {
		t.Error("false booleans should survive the round trip")
	}
	if loaded.Device.MaxMemoryBytes != 3<<20 {
		t.Errorf("expected %d bytes, got %d", 3<<20, loaded.Device.MaxMemoryBytes)
	}
	if loaded.Solver.Kind != "newton-central" || loaded.CostModel.CacheDir != "" {
		t.Errorf("unexpected round trip %s", loaded)
	}
	if loaded.Chunking.TargetLatency != cfg.Chunking.TargetLatency {
		t.Errorf("latency %v != %v", loaded.Chunking.TargetLatency, cfg.Chunking.TargetLatency)
	}
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"unlimited", 0},
		{"1024", 1024},
		{"1KB", 1 << 10},
		{"2mb", 2 << 20},
		{"4G", 4 << 30},
		{"1TB", 1 << 40},
	}
	for _, tt := range tests {
		got, err := ParseMemorySize(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseMemorySize(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseMemorySize("-5MB"); err == nil {
		t.Error("expected error for negative size")
	}
}

func TestFormatMemorySize(t *testing.T) {
	if got := FormatMemorySize(512); got != "512 B" {
		t.Errorf("got %q", got)
	}
	if got := FormatMemorySize(3 << 30); got != "3.00 GB" {
		t.Errorf("got %q", got)
	}
}
