// Package config handles dicengine configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--backend, --solver, etc.)
//  2. Environment variables (DIC_*)
//  3. Config file (config.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	config.ApplyEnvVars(cfg)
//
// Environment Variables (all use DIC_ prefix):
//
// Device:
//   - DIC_GPU_ENABLED=true
//   - DIC_BACKEND="auto", "cpu" or "opencl"
//   - DIC_DEVICE_ID=0
//   - DIC_MAX_MEMORY="2GB"
//
// Kernel:
//   - DIC_KERNEL_CONFIG="best" or "2d/array/zncc/interleaved"
//   - DIC_INTERPOLATION="bilinear"
//
// Chunking:
//   - DIC_TARGET_LATENCY="5s"
//   - DIC_INITIAL_SUBSETS=1
//   - DIC_INITIAL_CANDIDATES=1024
//
// Solver:
//   - DIC_SOLVER="bruteforce"
//   - DIC_WORKERS=0
//
// Cost model:
//   - DIC_CACHE_DIR="~/.dicengine/costmodel"
//   - DIC_CACHE_FRESHNESS="168h"
//
// Logging:
//   - DIC_LOG_LEVEL="info"
//   - DIC_LOG_FORMAT="text"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/kernel"
	"github.com/orneryd/dicengine/pkg/solver"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all dicengine configuration.
//
// Configuration is organized into logical sections:
//   - Device: compute device selection and memory ceiling
//   - Kernel: requested kernel configuration and interpolation
//   - Chunking: adaptive batch scheduler policy
//   - Solver: search strategy and its tunables
//   - CostModel: performance table persistence and benchmark battery
//   - Logging: level and output format
type Config struct {
	Device    DeviceConfig
	Kernel    KernelConfig
	Chunking  ChunkingConfig
	Solver    SolverConfig
	CostModel CostModelConfig
	Logging   LoggingConfig
}

// DeviceConfig selects the compute device.
type DeviceConfig struct {
	// GPUEnabled toggles OpenCL device probing.
	GPUEnabled bool
	// Backend is "auto", "cpu" or "opencl".
	Backend string
	// DeviceID picks among several OpenCL devices.
	DeviceID int
	// MaxMemoryBytes is the device memory ceiling (0 = automatic).
	MaxMemoryBytes int64
	// FallbackOnError selects the CPU device when no GPU is usable.
	FallbackOnError bool
}

// KernelConfig holds the requested kernel configuration.
type KernelConfig struct {
	// Configuration is "best" or a "variant/input/criterion/layout" key
	// with optional trailing wildcards.
	Configuration string
	// Interpolation is "bilinear" or "bicubic".
	Interpolation string
}

// ChunkingConfig is the adaptive batch scheduler policy.
type ChunkingConfig struct {
	TargetLatency     time.Duration
	InitialSubsets    int
	InitialCandidates int
	MaxSubsets        int
	MaxCandidates     int
}

// SolverConfig selects and tunes the search strategy.
type SolverConfig struct {
	Kind                string
	CoarseStep          float64
	StepReduction       float64
	NewtonRounds        int
	Improvement         float64
	SingularCondition   float64
	FullStencilLimit    int64
	SPGDRounds          int
	Gain                float64
	TargetQuality       float64
	DerivativeThreshold float64
	Workers             int
	Seed                uint64
}

// CostModelConfig controls the persisted performance table.
type CostModelConfig struct {
	// CacheDir is the badger directory of the performance table. Empty keeps
	// the table in memory for the life of the process.
	CacheDir        string
	FreshnessWindow time.Duration
	// Benchmark runs the battery on start when no fresh table exists.
	Benchmark    bool
	Repeats      int
	SubsetCounts []int
	SubsetSizes  []int
	ImageSize    int
}

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is a logrus level name.
	Level string
	// Format is "text" or "json".
	Format string
	// Output is "stderr", "stdout" or a file path.
	Output string
}

// DefaultCacheDir returns ~/.dicengine/costmodel, or a relative directory
// when the home directory is unknown.
func DefaultCacheDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".dicengine", "costmodel")
	}
	return filepath.Join(".dicengine", "costmodel")
}

// LoadDefaults returns the built-in configuration.
func LoadDefaults() *Config {
	cfg := &Config{}

	cfg.Device.GPUEnabled = true
	cfg.Device.Backend = "auto"
	cfg.Device.FallbackOnError = true

	cfg.Kernel.Configuration = "best"
	cfg.Kernel.Interpolation = imaging.Bilinear.String()

	cfg.Chunking.TargetLatency = 5 * time.Second
	cfg.Chunking.InitialSubsets = 1
	cfg.Chunking.InitialCandidates = 1024

	sc := solver.DefaultConfig()
	cfg.Solver = SolverConfig{
		Kind:                string(solver.KindBruteForce),
		CoarseStep:          sc.CoarseStep,
		StepReduction:       sc.StepReduction,
		NewtonRounds:        sc.NewtonRounds,
		Improvement:         sc.Improvement,
		SingularCondition:   sc.SingularCondition,
		FullStencilLimit:    sc.FullStencilLimit,
		SPGDRounds:          sc.SPGDRounds,
		Gain:                sc.Gain,
		TargetQuality:       sc.TargetQuality,
		DerivativeThreshold: sc.DerivativeThreshold,
		Workers:             sc.Workers,
		Seed:                sc.Seed,
	}

	cfg.CostModel.CacheDir = DefaultCacheDir()
	cfg.CostModel.FreshnessWindow = 7 * 24 * time.Hour
	cfg.CostModel.Benchmark = true
	cfg.CostModel.Repeats = 3
	cfg.CostModel.SubsetCounts = []int{64, 512}
	cfg.CostModel.SubsetSizes = []int{7, 15}
	cfg.CostModel.ImageSize = 256

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stderr"
	return cfg
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	if _, err := gpu.ParseBackend(c.Device.Backend); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Device.MaxMemoryBytes < 0 {
		return fmt.Errorf("%w: negative memory ceiling %d", ErrInvalidConfig, c.Device.MaxMemoryBytes)
	}
	if _, err := kernel.ParseConfiguration(c.Kernel.Configuration); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := imaging.ParseInterpolation(c.Kernel.Interpolation); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Chunking.TargetLatency <= 0 {
		return fmt.Errorf("%w: target latency %s", ErrInvalidConfig, c.Chunking.TargetLatency)
	}
	if c.Chunking.InitialSubsets <= 0 || c.Chunking.InitialCandidates <= 0 {
		return fmt.Errorf("%w: initial chunk %dx%d", ErrInvalidConfig,
			c.Chunking.InitialSubsets, c.Chunking.InitialCandidates)
	}
	if _, err := solver.ParseKind(c.Solver.Kind); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.SolverTunables().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.CostModel.FreshnessWindow <= 0 {
		return fmt.Errorf("%w: freshness window %s", ErrInvalidConfig, c.CostModel.FreshnessWindow)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// SolverTunables converts the solver section to solver.Config.
func (c *Config) SolverTunables() solver.Config {
	s := c.Solver
	return solver.Config{
		CoarseStep:          s.CoarseStep,
		StepReduction:       s.StepReduction,
		NewtonRounds:        s.NewtonRounds,
		Improvement:         s.Improvement,
		SingularCondition:   s.SingularCondition,
		FullStencilLimit:    s.FullStencilLimit,
		SPGDRounds:          s.SPGDRounds,
		Gain:                s.Gain,
		TargetQuality:       s.TargetQuality,
		DerivativeThreshold: s.DerivativeThreshold,
		Workers:             s.Workers,
		Seed:                s.Seed,
	}
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Backend: %s, Kernel: %s, Solver: %s, Cache: %q, Log: %s/%s}",
		c.Device.Backend, c.Kernel.Configuration, c.Solver.Kind,
		c.CostModel.CacheDir, c.Logging.Level, c.Logging.Format)
}

// YAMLConfig is the on-disk layout. Durations and memory sizes are strings
// ("5s", "2GB"); pointer fields distinguish "unset" from false or zero.
type YAMLConfig struct {
	Device struct {
		GPUEnabled      *bool  `yaml:"gpu_enabled,omitempty"`
		Backend         string `yaml:"backend,omitempty"`
		DeviceID        *int   `yaml:"device_id,omitempty"`
		MaxMemory       string `yaml:"max_memory,omitempty"`
		FallbackOnError *bool  `yaml:"fallback_on_error,omitempty"`
	} `yaml:"device"`

	Kernel struct {
		Configuration string `yaml:"configuration,omitempty"`
		Interpolation string `yaml:"interpolation,omitempty"`
	} `yaml:"kernel"`

	Chunking struct {
		TargetLatency     string `yaml:"target_latency,omitempty"`
		InitialSubsets    int    `yaml:"initial_subsets,omitempty"`
		InitialCandidates int    `yaml:"initial_candidates,omitempty"`
		MaxSubsets        int    `yaml:"max_subsets,omitempty"`
		MaxCandidates     int    `yaml:"max_candidates,omitempty"`
	} `yaml:"chunking"`

	Solver struct {
		Kind                string  `yaml:"kind,omitempty"`
		CoarseStep          float64 `yaml:"coarse_step,omitempty"`
		StepReduction       float64 `yaml:"step_reduction,omitempty"`
		NewtonRounds        int     `yaml:"newton_rounds,omitempty"`
		Improvement         float64 `yaml:"improvement,omitempty"`
		SingularCondition   float64 `yaml:"singular_condition,omitempty"`
		FullStencilLimit    int64   `yaml:"full_stencil_limit,omitempty"`
		SPGDRounds          int     `yaml:"spgd_rounds,omitempty"`
		Gain                float64 `yaml:"gain,omitempty"`
		TargetQuality       float64 `yaml:"target_quality,omitempty"`
		DerivativeThreshold float64 `yaml:"derivative_threshold,omitempty"`
		Workers             int     `yaml:"workers,omitempty"`
		Seed                uint64  `yaml:"seed,omitempty"`
	} `yaml:"solver"`

	CostModel struct {
		CacheDir        *string `yaml:"cache_dir,omitempty"`
		FreshnessWindow string  `yaml:"freshness_window,omitempty"`
		Benchmark       *bool   `yaml:"benchmark,omitempty"`
		Repeats         int     `yaml:"repeats,omitempty"`
		SubsetCounts    []int   `yaml:"subset_counts,omitempty"`
		SubsetSizes     []int   `yaml:"subset_sizes,omitempty"`
		ImageSize       int     `yaml:"image_size,omitempty"`
	} `yaml:"cost_model"`

	Logging struct {
		Level  string `yaml:"level,omitempty"`
		Format string `yaml:"format,omitempty"`
		Output string `yaml:"output,omitempty"`
	} `yaml:"logging"`
}

// LoadFromFile loads the defaults overlaid with the YAML file at path. A
// missing file (or an empty path) yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := LoadDefaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var y YAMLConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := y.apply(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (y *YAMLConfig) apply(cfg *Config) error {
	// === Device ===
	if y.Device.GPUEnabled != nil {
		cfg.Device.GPUEnabled = *y.Device.GPUEnabled
	}
	if y.Device.Backend != "" {
		cfg.Device.Backend = y.Device.Backend
	}
	if y.Device.DeviceID != nil {
		cfg.Device.DeviceID = *y.Device.DeviceID
	}
	if y.Device.MaxMemory != "" {
		n, err := ParseMemorySize(y.Device.MaxMemory)
		if err != nil {
			return err
		}
		cfg.Device.MaxMemoryBytes = n
	}
	if y.Device.FallbackOnError != nil {
		cfg.Device.FallbackOnError = *y.Device.FallbackOnError
	}

	// === Kernel ===
	if y.Kernel.Configuration != "" {
		cfg.Kernel.Configuration = y.Kernel.Configuration
	}
	if y.Kernel.Interpolation != "" {
		cfg.Kernel.Interpolation = y.Kernel.Interpolation
	}

	// === Chunking ===
	if y.Chunking.TargetLatency != "" {
		d, err := time.ParseDuration(y.Chunking.TargetLatency)
		if err != nil {
			return fmt.Errorf("target_latency: %w", err)
		}
		cfg.Chunking.TargetLatency = d
	}
	setInt(&cfg.Chunking.InitialSubsets, y.Chunking.InitialSubsets)
	setInt(&cfg.Chunking.InitialCandidates, y.Chunking.InitialCandidates)
	setInt(&cfg.Chunking.MaxSubsets, y.Chunking.MaxSubsets)
	setInt(&cfg.Chunking.MaxCandidates, y.Chunking.MaxCandidates)

	// === Solver ===
	s := &cfg.Solver
	if y.Solver.Kind != "" {
		s.Kind = y.Solver.Kind
	}
	setFloat(&s.CoarseStep, y.Solver.CoarseStep)
	setFloat(&s.StepReduction, y.Solver.StepReduction)
	setInt(&s.NewtonRounds, y.Solver.NewtonRounds)
	setFloat(&s.Improvement, y.Solver.Improvement)
	setFloat(&s.SingularCondition, y.Solver.SingularCondition)
	if y.Solver.FullStencilLimit > 0 {
		s.FullStencilLimit = y.Solver.FullStencilLimit
	}
	setInt(&s.SPGDRounds, y.Solver.SPGDRounds)
	setFloat(&s.Gain, y.Solver.Gain)
	setFloat(&s.TargetQuality, y.Solver.TargetQuality)
	setFloat(&s.DerivativeThreshold, y.Solver.DerivativeThreshold)
	setInt(&s.Workers, y.Solver.Workers)
	if y.Solver.Seed > 0 {
		s.Seed = y.Solver.Seed
	}

	// === Cost model ===
	if y.CostModel.CacheDir != nil {
		cfg.CostModel.CacheDir = *y.CostModel.CacheDir
	}
	if y.CostModel.FreshnessWindow != "" {
		d, err := time.ParseDuration(y.CostModel.FreshnessWindow)
		if err != nil {
			return fmt.Errorf("freshness_window: %w", err)
		}
		cfg.CostModel.FreshnessWindow = d
	}
	if y.CostModel.Benchmark != nil {
		cfg.CostModel.Benchmark = *y.CostModel.Benchmark
	}
	setInt(&cfg.CostModel.Repeats, y.CostModel.Repeats)
	if len(y.CostModel.SubsetCounts) > 0 {
		cfg.CostModel.SubsetCounts = y.CostModel.SubsetCounts
	}
	if len(y.CostModel.SubsetSizes) > 0 {
		cfg.CostModel.SubsetSizes = y.CostModel.SubsetSizes
	}
	setInt(&cfg.CostModel.ImageSize, y.CostModel.ImageSize)

	// === Logging ===
	if y.Logging.Level != "" {
		cfg.Logging.Level = y.Logging.Level
	}
	if y.Logging.Format != "" {
		cfg.Logging.Format = y.Logging.Format
	}
	if y.Logging.Output != "" {
		cfg.Logging.Output = y.Logging.Output
	}
	return nil
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

// ToYAML renders c in the file layout read by LoadFromFile.
func (c *Config) ToYAML() ([]byte, error) {
	var y YAMLConfig
	y.Device.GPUEnabled = &c.Device.GPUEnabled
	y.Device.Backend = c.Device.Backend
	y.Device.DeviceID = &c.Device.DeviceID
	if c.Device.MaxMemoryBytes > 0 {
		y.Device.MaxMemory = strconv.FormatInt(c.Device.MaxMemoryBytes, 10)
	}
	y.Device.FallbackOnError = &c.Device.FallbackOnError

	y.Kernel.Configuration = c.Kernel.Configuration
	y.Kernel.Interpolation = c.Kernel.Interpolation

	y.Chunking.TargetLatency = c.Chunking.TargetLatency.String()
	y.Chunking.InitialSubsets = c.Chunking.InitialSubsets
	y.Chunking.InitialCandidates = c.Chunking.InitialCandidates
	y.Chunking.MaxSubsets = c.Chunking.MaxSubsets
	y.Chunking.MaxCandidates = c.Chunking.MaxCandidates

	s := c.Solver
	y.Solver.Kind = s.Kind
	y.Solver.CoarseStep = s.CoarseStep
	y.Solver.StepReduction = s.StepReduction
	y.Solver.NewtonRounds = s.NewtonRounds
	y.Solver.Improvement = s.Improvement
	y.Solver.SingularCondition = s.SingularCondition
	y.Solver.FullStencilLimit = s.FullStencilLimit
	y.Solver.SPGDRounds = s.SPGDRounds
	y.Solver.Gain = s.Gain
	y.Solver.TargetQuality = s.TargetQuality
	y.Solver.DerivativeThreshold = s.DerivativeThreshold
	y.Solver.Workers = s.Workers
	y.Solver.Seed = s.Seed

	y.CostModel.CacheDir = &c.CostModel.CacheDir
	y.CostModel.FreshnessWindow = c.CostModel.FreshnessWindow.String()
	y.CostModel.Benchmark = &c.CostModel.Benchmark
	y.CostModel.Repeats = c.CostModel.Repeats
	y.CostModel.SubsetCounts = c.CostModel.SubsetCounts
	y.CostModel.SubsetSizes = c.CostModel.SubsetSizes
	y.CostModel.ImageSize = c.CostModel.ImageSize

	y.Logging.Level = c.Logging.Level
	y.Logging.Format = c.Logging.Format
	y.Logging.Output = c.Logging.Output
	return yaml.Marshal(&y)
}

// Save writes c to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnvVars overlays DIC_* environment variables onto cfg.
func ApplyEnvVars(cfg *Config) {
	// Device
	cfg.Device.GPUEnabled = getEnvBool("DIC_GPU_ENABLED", cfg.Device.GPUEnabled)
	cfg.Device.Backend = getEnv("DIC_BACKEND", cfg.Device.Backend)
	cfg.Device.DeviceID = getEnvInt("DIC_DEVICE_ID", cfg.Device.DeviceID)
	if v := getEnv("DIC_MAX_MEMORY", ""); v != "" {
		if n, err := ParseMemorySize(v); err == nil {
			cfg.Device.MaxMemoryBytes = n
		}
	}
	cfg.Device.FallbackOnError = getEnvBool("DIC_GPU_FALLBACK", cfg.Device.FallbackOnError)

	// Kernel
	cfg.Kernel.Configuration = getEnv("DIC_KERNEL_CONFIG", cfg.Kernel.Configuration)
	cfg.Kernel.Interpolation = getEnv("DIC_INTERPOLATION", cfg.Kernel.Interpolation)

	// Chunking
	cfg.Chunking.TargetLatency = getEnvDuration("DIC_TARGET_LATENCY", cfg.Chunking.TargetLatency)
	cfg.Chunking.InitialSubsets = getEnvInt("DIC_INITIAL_SUBSETS", cfg.Chunking.InitialSubsets)
	cfg.Chunking.InitialCandidates = getEnvInt("DIC_INITIAL_CANDIDATES", cfg.Chunking.InitialCandidates)
	cfg.Chunking.MaxSubsets = getEnvInt("DIC_MAX_SUBSETS", cfg.Chunking.MaxSubsets)
	cfg.Chunking.MaxCandidates = getEnvInt("DIC_MAX_CANDIDATES", cfg.Chunking.MaxCandidates)

	// Solver
	cfg.Solver.Kind = getEnv("DIC_SOLVER", cfg.Solver.Kind)
	cfg.Solver.CoarseStep = getEnvFloat("DIC_COARSE_STEP", cfg.Solver.CoarseStep)
	cfg.Solver.StepReduction = getEnvFloat("DIC_STEP_REDUCTION", cfg.Solver.StepReduction)
	cfg.Solver.NewtonRounds = getEnvInt("DIC_NEWTON_ROUNDS", cfg.Solver.NewtonRounds)
	cfg.Solver.SPGDRounds = getEnvInt("DIC_SPGD_ROUNDS", cfg.Solver.SPGDRounds)
	cfg.Solver.Gain = getEnvFloat("DIC_SPGD_GAIN", cfg.Solver.Gain)
	cfg.Solver.Workers = getEnvInt("DIC_WORKERS", cfg.Solver.Workers)
	if v := getEnv("DIC_SEED", ""); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Solver.Seed = n
		}
	}

	// Cost model
	if v, ok := os.LookupEnv("DIC_CACHE_DIR"); ok {
		cfg.CostModel.CacheDir = v
	}
	cfg.CostModel.FreshnessWindow = getEnvDuration("DIC_CACHE_FRESHNESS", cfg.CostModel.FreshnessWindow)
	cfg.CostModel.Benchmark = getEnvBool("DIC_BENCHMARK", cfg.CostModel.Benchmark)

	// Logging
	cfg.Logging.Level = getEnv("DIC_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("DIC_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnv("DIC_LOG_OUTPUT", cfg.Logging.Output)
}

// Load is LoadFromFile followed by ApplyEnvVars and Validate.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	ApplyEnvVars(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.dicengine/config.yaml
//  2. Same directory as the binary (config.yaml, dicengine.yaml)
//  3. Current working directory (config.yaml, dicengine.yaml)
//  4. ~/.config/dicengine/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".dicengine", "config.yaml"))
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "config.yaml"),
			filepath.Join(exeDir, "dicengine.yaml"),
		)
	}
	candidates = append(candidates, "config.yaml", "dicengine.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "dicengine", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DefaultConfigPath is where `config init` writes.
func DefaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".dicengine", "config.yaml")
	}
	return "config.yaml"
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// ParseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func ParseMemorySize(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0, nil
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("%w: memory size %q", ErrInvalidConfig, orig)
	}
	return val * multiplier, nil
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
