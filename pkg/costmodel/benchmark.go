package costmodel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/dic"
	"github.com/orneryd/dicengine/pkg/imaging"
	"github.com/orneryd/dicengine/pkg/kernel"
)

// Shape is a representative search-space shape of the benchmark battery.
// Either Limits or Stencil describes the candidates of every subset.
type Shape struct {
	Name       string
	Order      deformation.Order
	UsesLimits bool
	Limits     deformation.Limits
	Stencil    deformation.StencilKind
	Step       float64
}

// Candidates returns the per-subset candidate count of the shape.
func (s Shape) Candidates() int64 {
	if s.UsesLimits {
		total, err := deformation.Total(s.Limits)
		if err != nil {
			return 0
		}
		return total
	}
	return int64(deformation.NewStencil(s.Stencil, deformation.CoefficientCount(s.Order)).Size())
}

// DefaultShapes mirrors what the solvers launch: a brute-force translation
// window, a coarse translation window, and first-order refinement stencils.
func DefaultShapes() []Shape {
	return []Shape{
		{Name: "translation", Order: deformation.Zero, UsesLimits: true, Limits: deformation.Limits{-8, 8, 1, -8, 8, 1}},
		{Name: "coarse", Order: deformation.Zero, UsesLimits: true, Limits: deformation.Limits{-16, 16, 4, -16, 16, 4}},
		{Name: "forward-stencil", Order: deformation.First, Stencil: deformation.ForwardStencil, Step: 0.01},
		{Name: "central-stencil", Order: deformation.First, Stencil: deformation.CentralStencil, Step: 0.01},
	}
}

// Options configures a Model and its benchmark battery.
type Options struct {
	// FreshnessWindow is how long a stored table is reused.
	FreshnessWindow time.Duration
	// Repeats is the number of timed launches per cell; the minimum is kept.
	Repeats int
	// SubsetCounts are the subset batch sizes measured.
	SubsetCounts []int
	// SubsetSizes are the subset radii measured.
	SubsetSizes []int
	// ImageSize is the side of the synthetic speckle images.
	ImageSize int
	// Shapes are the search-space shapes measured.
	Shapes []Shape
	// Request restricts the measured configurations.
	Request kernel.Configuration
	// Interpolation used for every launch.
	Interpolation imaging.Interpolation
}

func (o Options) withDefaults() Options {
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = DefaultFreshnessWindow
	}
	if o.Repeats <= 0 {
		o.Repeats = 3
	}
	if len(o.SubsetCounts) == 0 {
		o.SubsetCounts = []int{64, 512}
	}
	if len(o.SubsetSizes) == 0 {
		o.SubsetSizes = []int{7, 15}
	}
	if o.ImageSize <= 0 {
		o.ImageSize = 256
	}
	if len(o.Shapes) == 0 {
		o.Shapes = DefaultShapes()
	}
	return o
}

// battery holds the synthetic inputs shared by every configuration.
type battery struct {
	a, b  *imaging.Image
	units map[string]*dic.WorkUnit
}

func unitKey(radius, count int, shape string) string {
	return fmt.Sprintf("%d/%d/%s", radius, count, shape)
}

// margin keeps every benchmark candidate inside the image.
const margin = 20

func newBattery(opts Options) (*battery, error) {
	a, err := imaging.Speckle(imaging.DefaultSpeckleOptions(opts.ImageSize, opts.ImageSize))
	if err != nil {
		return nil, err
	}
	bt := &battery{a: a, b: a.Shift(1, 1), units: make(map[string]*dic.WorkUnit)}
	for _, radius := range opts.SubsetSizes {
		grid := dic.Grid(opts.ImageSize, opts.ImageSize, radius, 3, margin)
		if len(grid) == 0 {
			return nil, fmt.Errorf("%w: image of %d px cannot hold subsets of radius %d",
				kernel.ErrSubsetGeometry, opts.ImageSize, radius)
		}
		for _, count := range opts.SubsetCounts {
			subsets := make([]dic.Subset, count)
			for i := range subsets {
				subsets[i] = grid[i%len(grid)]
			}
			for _, shape := range opts.Shapes {
				bt.units[unitKey(radius, count, shape.Name)] = shapeUnit(bt.a, bt.b, subsets, shape)
			}
		}
	}
	return bt, nil
}

func shapeUnit(a, b *imaging.Image, subsets []dic.Subset, shape Shape) *dic.WorkUnit {
	unit := &dic.WorkUnit{ImageA: a, ImageB: b, Subsets: subsets, Order: shape.Order, UsesLimits: shape.UsesLimits}
	if shape.UsesLimits {
		unit.Limits = make([]deformation.Limits, len(subsets))
		for i := range unit.Limits {
			unit.Limits[i] = shape.Limits
		}
		return unit
	}
	n := deformation.CoefficientCount(shape.Order)
	h := make([]float64, n)
	for i := range h {
		h[i] = shape.Step
	}
	h[0], h[1] = 1, 1
	points := deformation.NewStencil(shape.Stencil, n).Points(deformation.ZeroVector(shape.Order), h)
	unit.Candidates = make([][][]float64, len(subsets))
	for i := range unit.Candidates {
		unit.Candidates[i] = points
	}
	return unit
}

// runBattery times every matching configuration on every battery unit.
func runBattery(ctx context.Context, backend kernel.Backend, opts Options, log logrus.FieldLogger) (*Table, error) {
	bt, err := newBattery(opts)
	if err != nil {
		return nil, err
	}
	table := NewTable()
	for _, cfg := range kernel.Enumerate(opts.Request) {
		if err := measure(ctx, backend, cfg, bt, opts, table, log); err != nil {
			return nil, err
		}
	}
	if table.Len() == 0 {
		return nil, fmt.Errorf("%w: no configuration could be measured", kernel.ErrUnsupportedConfiguration)
	}
	return table, nil
}

func measure(ctx context.Context, backend kernel.Backend, cfg kernel.Configuration, bt *battery, opts Options, table *Table, log logrus.FieldLogger) error {
	clog := log.WithField("config", cfg.Key())
	k, err := kernel.New(backend, cfg, clog)
	if err != nil {
		clog.WithError(err).Debug("skipping configuration")
		return nil
	}
	defer k.Release()

	for _, radius := range opts.SubsetSizes {
		for _, shape := range opts.Shapes {
			prog, err := k.Prepare(radius, shape.Order, shape.UsesLimits, opts.Interpolation)
			if errors.Is(err, kernel.ErrCompileFailed) || errors.Is(err, kernel.ErrUnsupportedConfiguration) {
				clog.WithError(err).Warn("configuration unavailable on this device")
				return nil
			}
			if err != nil {
				return err
			}
			candidates := shape.Candidates()
			for _, count := range opts.SubsetCounts {
				unit := bt.units[unitKey(radius, count, shape.Name)]
				best := time.Duration(-1)
				for r := 0; r < opts.Repeats; r++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					start := time.Now()
					_, err := k.Run(ctx, prog, unit, 0, int(candidates))
					elapsed := time.Since(start)
					if errors.Is(err, kernel.ErrDeviceResourceExhausted) {
						clog.WithFields(logrus.Fields{"subsets": count, "shape": shape.Name}).
							Debug("battery unit exceeds device resources")
						break
					}
					if err != nil {
						return fmt.Errorf("benchmark %s: %w", cfg.Key(), err)
					}
					if best < 0 || elapsed < best {
						best = elapsed
					}
				}
				if best >= 0 {
					table.Record(Sample{SubsetBatch: count, DeformationBatch: candidates, Config: cfg, Elapsed: best})
				}
			}
		}
	}
	return nil
}
