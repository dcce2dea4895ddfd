package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/tiff"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/engine"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/scheduler"
	"github.com/orneryd/dicengine/pkg/solver"
)

// gridOptions describe how the reference image is covered with subsets and
// how large a search space each subset gets.
type gridOptions struct {
	Radius        int
	Spacing       int
	Margin        int
	Order         deformation.Order
	Range         float64
	Step          float64
	GradientRange float64
	GradientStep  float64
	Sigma         float64
}

// subsetResult is the JSON form of one correlated subset.
type subsetResult struct {
	X           float64            `json:"x"`
	Y           float64            `json:"y"`
	Quality     float64            `json:"quality"`
	Valid       bool               `json:"valid"`
	Deformation map[string]float64 `json:"deformation,omitempty"`
}

func newCorrelateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correlate [reference] [deformed]",
		Short: "Correlate a deformed image against a reference image",
		Long: `Covers the reference image with a regular grid of square subsets and
searches, for each subset, the deformation that best matches the deformed
image. PNG, JPEG and TIFF inputs are converted to grayscale.

With --synthetic no files are read: a speckle pattern and a translated copy
of it are generated instead.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if synthetic, _ := cmd.Flags().GetBool("synthetic"); synthetic {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: runCorrelate,
	}

	f := cmd.Flags()
	f.Bool("synthetic", false, "Generate a speckle pair instead of reading images")
	f.Int("size", 256, "Synthetic image side in pixels")
	f.Int("shift-x", 2, "Synthetic horizontal translation in pixels")
	f.Int("shift-y", 1, "Synthetic vertical translation in pixels")
	f.Float64("scale", 1, "Resample both images by this factor before correlating")
	f.Int("subset-radius", 7, "Subset radius; subsets are (2r+1)x(2r+1) pixels")
	f.Int("spacing", 0, "Grid spacing between subset centers (0 = one subset width)")
	f.Int("margin", 8, "Pixels kept free between subsets and the image border")
	f.String("order", "zero", "Shape function order: zero, first, second")
	f.Float64("range", 8, "Search half width of the translations u and v")
	f.Float64("step", 1, "Search step of the translations u and v")
	f.Float64("gradient-range", 0.05, "Search half width of the first order gradients")
	f.Float64("gradient-step", 0.025, "Search step of the first order gradients")
	f.Float64("sigma", 0, "Gaussian weighting sigma per subset (0 = unweighted)")
	f.String("solver", "", "Search strategy: "+solverNames())
	f.Bool("json", false, "Write results as JSON")
	f.Bool("quiet", false, "Suppress progress output")
	return cmd
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("solver") {
		cfg.Solver.Kind, _ = flags.GetString("solver")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ref, def, err := loadImages(cmd, args)
	if err != nil {
		return err
	}
	opts, err := gridFromFlags(cmd)
	if err != nil {
		return err
	}
	unit, err := buildUnit(ref, def, opts)
	if err != nil {
		return err
	}

	var engineOpts []engine.Option
	quiet, _ := flags.GetBool("quiet")
	progress := make(solver.ChannelSink, 16)
	if !quiet {
		engineOpts = append(engineOpts, engine.WithProgressSink(progress))
	}
	eng, err := engine.New(cfg, engineOpts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	finish := func() {}
	if !quiet {
		done := make(chan struct{})
		go printProgress(cmd.ErrOrStderr(), progress, done)
		finish = sync.OnceFunc(func() {
			close(progress)
			<-done
		})
		defer finish()
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	if err := eng.Init(ctx); err != nil {
		return err
	}

	start := time.Now()
	results, solveErr := eng.Solve(ctx, unit, opts.Radius)
	finish()
	if solveErr != nil && !errors.Is(solveErr, scheduler.ErrStopped) {
		return solveErr
	}

	asJSON, _ := flags.GetBool("json")
	if asJSON {
		err = writeJSON(cmd.OutOrStdout(), unit, results)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%d subsets, solver %s, %s\n\n", len(results), cfg.Solver.Kind,
			time.Since(start).Round(time.Millisecond))
		err = writeTable(cmd.OutOrStdout(), unit, results)
	}
	if err != nil {
		return err
	}
	return solveErr
}

func loadImages(cmd *cobra.Command, args []string) (*imaging.Image, *imaging.Image, error) {
	flags := cmd.Flags()
	scale, _ := flags.GetFloat64("scale")
	if synthetic, _ := flags.GetBool("synthetic"); synthetic {
		size, _ := flags.GetInt("size")
		dx, _ := flags.GetInt("shift-x")
		dy, _ := flags.GetInt("shift-y")
		ref, err := imaging.Speckle(imaging.DefaultSpeckleOptions(size, size))
		if err != nil {
			return nil, nil, err
		}
		return ref, ref.Shift(dx, dy), nil
	}
	ref, err := readImage(args[0], scale)
	if err != nil {
		return nil, nil, err
	}
	def, err := readImage(args[1], scale)
	if err != nil {
		return nil, nil, err
	}
	return ref, def, nil
}

func readImage(path string, scale float64) (*imaging.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return imaging.FromImageScaled(src, scale)
}

func gridFromFlags(cmd *cobra.Command) (gridOptions, error) {
	flags := cmd.Flags()
	var o gridOptions
	o.Radius, _ = flags.GetInt("subset-radius")
	o.Spacing, _ = flags.GetInt("spacing")
	o.Margin, _ = flags.GetInt("margin")
	o.Range, _ = flags.GetFloat64("range")
	o.Step, _ = flags.GetFloat64("step")
	o.GradientRange, _ = flags.GetFloat64("gradient-range")
	o.GradientStep, _ = flags.GetFloat64("gradient-step")
	o.Sigma, _ = flags.GetFloat64("sigma")
	name, _ := flags.GetString("order")
	order, err := deformation.ParseOrder(name)
	if err != nil {
		return o, err
	}
	o.Order = order
	return o, nil
}

// searchLimits centres the search space on the identity. Translations and
// first order gradients get their own half width; second order terms are
// pinned at zero.
func searchLimits(o gridOptions) deformation.Limits {
	n := deformation.CoefficientCount(o.Order)
	center := make([]float64, n)
	half := make([]float64, n)
	step := make([]float64, n)
	for i := 0; i < n; i++ {
		switch {
		case i < 2:
			half[i], step[i] = o.Range, o.Step
		case i < 6:
			half[i], step[i] = o.GradientRange, o.GradientStep
		}
	}
	return deformation.Centered(center, half, step)
}

// buildUnit covers ref with a subset grid and gives every subset the same
// search space.
func buildUnit(ref, def *imaging.Image, o gridOptions) (*dic.WorkUnit, error) {
	if o.Radius <= 0 {
		return nil, fmt.Errorf("subset radius must be positive, got %d", o.Radius)
	}
	subsets := dic.Grid(ref.Width, ref.Height, o.Radius, o.Spacing, o.Margin)
	if len(subsets) == 0 {
		return nil, fmt.Errorf("no subset of radius %d fits a %dx%d image with margin %d",
			o.Radius, ref.Width, ref.Height, o.Margin)
	}
	limits := searchLimits(o)
	if err := deformation.ValidateOrder(limits, o.Order); err != nil {
		return nil, err
	}

	unit := &dic.WorkUnit{
		ImageA:     ref,
		ImageB:     def,
		Subsets:    subsets,
		Limits:     make([]deformation.Limits, len(subsets)),
		Order:      o.Order,
		UsesLimits: true,
	}
	for i := range unit.Limits {
		unit.Limits[i] = limits.Clone()
	}
	if o.Sigma > 0 {
		unit.Weights = make([]float64, len(subsets))
		for i := range unit.Weights {
			unit.Weights[i] = o.Sigma
		}
	}
	return unit, unit.Validate()
}

func printProgress(w io.Writer, ch <-chan solver.Progress, done chan<- struct{}) {
	defer close(done)
	last := solver.Progress{}
	for p := range ch {
		last = p
		fmt.Fprintf(w, "\r%d/%d subsets", p.Processed, p.Total)
	}
	if last.Total > 0 {
		fmt.Fprintln(w)
	}
}

func writeTable(w io.Writer, unit *dic.WorkUnit, results []dic.Result) error {
	names := deformation.CoefficientNames(unit.Order)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "X\tY\tQUALITY")
	for _, n := range names {
		fmt.Fprintf(tw, "\t%s", n)
	}
	fmt.Fprintln(tw)
	for i, r := range results {
		c := unit.Subsets[i].Center
		if r.IsSentinel() {
			fmt.Fprintf(tw, "%g\t%g\t-\n", c.X, c.Y)
			continue
		}
		fmt.Fprintf(tw, "%g\t%g\t%.4f", c.X, c.Y, r.Quality)
		for _, v := range r.Deformation {
			fmt.Fprintf(tw, "\t%.4g", v)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, unit *dic.WorkUnit, results []dic.Result) error {
	names := deformation.CoefficientNames(unit.Order)
	out := make([]subsetResult, len(results))
	for i, r := range results {
		c := unit.Subsets[i].Center
		out[i] = subsetResult{X: c.X, Y: c.Y, Valid: !r.IsSentinel()}
		if r.IsSentinel() {
			continue
		}
		out[i].Quality = r.Quality
		out[i].Deformation = make(map[string]float64, len(r.Deformation))
		for j, v := range r.Deformation {
			out[i].Deformation[names[j]] = v
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// signalContext cancels the returned context on SIGINT or SIGTERM. Solvers
// observe the cancellation between chunks and return partial results.
func signalContext(parent context.Context) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(os.Stderr, "\nStopping, waiting for the current chunk...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
