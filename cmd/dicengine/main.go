// Package main provides the dicengine CLI entry point.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/dicengine/pkg/config"
	"github.com/orneryd/dicengine/pkg/engine"
	"github.com/orneryd/dicengine/pkg/gpu"
	"github.com/orneryd/dicengine/pkg/kernel"
	"github.com/orneryd/dicengine/pkg/solver"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dicengine",
		Short: "dicengine - adaptive digital image correlation on GPU and CPU",
		Long: `dicengine finds, for every subset of a reference image, the deformation
that best maps it onto a deformed image.

Features:
  • OpenCL and CPU correlation kernels with benchmark-driven selection
  • Chunked execution under a device memory ceiling
  • Brute force, coarse/fine, Newton-Raphson and SPGD solvers`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", getEnvStr("DIC_CONFIG", ""), "Config file (default: search standard locations)")
	pf.String("backend", "", "Compute backend: auto, cpu, opencl")
	pf.String("max-memory", "", "Device memory ceiling (e.g. 2GB, 512MB)")
	pf.String("kernel", "", "Kernel configuration (best or variant/input/criterion/layout)")
	pf.String("cache-dir", "", "Performance table directory (empty string keeps it in memory)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text, json")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dicengine v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List compute devices",
		RunE:  runDevices,
	})

	benchCmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure every kernel configuration and store the performance table",
		RunE:  runBenchmark,
	}
	benchCmd.Flags().Int("repeats", 0, "Timed launches per cell (0 = config value)")
	rootCmd.AddCommand(benchCmd)

	rootCmd.AddCommand(newCorrelateCmd())

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Performance table operations",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete the stored performance table",
		RunE:  runCacheReset,
	})
	rootCmd.AddCommand(cacheCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration file operations",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to a file",
		RunE:  runConfigInit,
	}
	initCmd.Flags().String("path", config.DefaultConfigPath(), "Destination file")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

// loadConfig applies defaults, file, environment and then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	config.ApplyEnvVars(cfg)

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Device.Backend, _ = flags.GetString("backend")
		if cfg.Device.Backend == "cpu" {
			cfg.Device.GPUEnabled = false
		}
	}
	if flags.Changed("max-memory") {
		v, _ := flags.GetString("max-memory")
		n, err := config.ParseMemorySize(v)
		if err != nil {
			return nil, err
		}
		cfg.Device.MaxMemoryBytes = n
	}
	if flags.Changed("kernel") {
		cfg.Kernel.Configuration, _ = flags.GetString("kernel")
	}
	if flags.Changed("cache-dir") {
		cfg.CostModel.CacheDir, _ = flags.GetString("cache-dir")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDevices(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBACKEND\tNAME\tVENDOR\tMEMORY\tUNITS\tWORKGROUP\tIMAGES")
	for _, d := range gpu.ListDevices() {
		backend := string(d.Backend)
		if d.Backend == gpu.BackendNone {
			backend = kernel.BackendCPU
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%v\n",
			d.ID, backend, d.Name, d.Vendor, config.FormatMemorySize(int64(d.MemoryMB)<<20),
			d.ComputeUnits, d.MaxWorkGroup, d.ImageSupport)
	}
	return w.Flush()
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("repeats"); n > 0 {
		cfg.CostModel.Repeats = n
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	start := time.Now()
	if err := eng.Benchmark(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	meta := eng.Model().Meta()
	fmt.Fprintf(out, "Benchmark %s on %s (%s) took %s\n\n", meta.BenchmarkID, meta.Device, meta.Backend,
		time.Since(start).Round(time.Millisecond))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONFIG\tSUBSETS\tCANDIDATES\tELAPSED")
	for _, s := range eng.Model().Samples() {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Config.Key(), s.SubsetBatch, s.DeformationBatch, s.Elapsed)
	}
	return w.Flush()
}

func runCacheReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.CostModel.CacheDir == "" {
		return fmt.Errorf("no cache directory configured")
	}
	cfg.CostModel.Benchmark = false
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.ResetCache(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Performance table in %s cleared\n", cfg.CostModel.CacheDir)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

func solverNames() string {
	kinds := solver.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// getEnvStr returns environment variable or default
func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
