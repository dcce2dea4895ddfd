package kernel

import (
	"fmt"
	"slices"
	"strings"
)

// Variant is the work-item decomposition of a correlation launch.
type Variant int

const (
	VariantBest Variant = iota
	// Variant1D launches one work item per (subset, candidate) on a flat range.
	Variant1D
	// Variant2D launches a candidate × subset grid.
	Variant2D
	// Variant15D launches one work group per subset; work items stride over
	// the candidates of their subset.
	Variant15D
)

// Input is how images reach the device.
type Input int

const (
	InputBest Input = iota
	InputArray
	InputImage
)

// Criterion is the correlation criterion. All criteria report higher as
// better.
type Criterion int

const (
	CriterionBest Criterion = iota
	// ZNCC is the zero-normalised cross-correlation in [-1, 1].
	ZNCC
	// ZNSSD is the zero-normalised sum of squared differences, reported as
	// 1 - ZNSSD/4 in [0, 1].
	ZNSSD
	// NCC is the normalised cross-correlation without mean removal.
	NCC
)

// Layout is the memory layout of subset points and candidate tables.
type Layout int

const (
	LayoutBest Layout = iota
	// Interleaved stores x,y pairs and candidate-major coefficient rows.
	Interleaved
	// Planar stores all x then all y, and coefficient-major candidate
	// columns, for coalesced device reads.
	Planar
)

var (
	variantNames   = map[Variant]string{VariantBest: "best", Variant1D: "1d", Variant2D: "2d", Variant15D: "15d"}
	inputNames     = map[Input]string{InputBest: "best", InputArray: "array", InputImage: "image"}
	criterionNames = map[Criterion]string{CriterionBest: "best", ZNCC: "zncc", ZNSSD: "znssd", NCC: "ncc"}
	layoutNames    = map[Layout]string{LayoutBest: "best", Interleaved: "interleaved", Planar: "planar"}
)

func (v Variant) String() string   { return variantNames[v] }
func (i Input) String() string     { return inputNames[i] }
func (c Criterion) String() string { return criterionNames[c] }
func (l Layout) String() string    { return layoutNames[l] }

// Configuration selects one kernel implementation. Each axis may be left at
// its Best wildcard for the cost model to resolve. The struct is comparable
// and can key maps directly.
type Configuration struct {
	Variant   Variant
	Input     Input
	Criterion Criterion
	Layout    Layout
}

// Best returns the all-wildcard configuration.
func Best() Configuration {
	return Configuration{}
}

// DefaultConfiguration is used when no performance data exists.
func DefaultConfiguration() Configuration {
	return Configuration{Variant: Variant2D, Input: InputArray, Criterion: ZNCC, Layout: Interleaved}
}

// IsConcrete reports whether no axis is a wildcard.
func (c Configuration) IsConcrete() bool {
	return c.Variant != VariantBest && c.Input != InputBest &&
		c.Criterion != CriterionBest && c.Layout != LayoutBest
}

// Matches reports whether a concrete configuration satisfies the axes a
// request pins down.
func (c Configuration) Matches(request Configuration) bool {
	return (request.Variant == VariantBest || request.Variant == c.Variant) &&
		(request.Input == InputBest || request.Input == c.Input) &&
		(request.Criterion == CriterionBest || request.Criterion == c.Criterion) &&
		(request.Layout == LayoutBest || request.Layout == c.Layout)
}

// Key is the stable textual form "variant/input/criterion/layout".
func (c Configuration) Key() string {
	return c.Variant.String() + "/" + c.Input.String() + "/" + c.Criterion.String() + "/" + c.Layout.String()
}

func (c Configuration) String() string { return c.Key() }

// ParseConfiguration parses Key output. "best" or "" alone is the
// all-wildcard configuration; missing trailing axes are wildcards.
func ParseConfiguration(s string) (Configuration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "best" {
		return Best(), nil
	}
	parts := strings.Split(s, "/")
	if len(parts) > 4 {
		return Best(), fmt.Errorf("%w: %q", ErrUnsupportedConfiguration, s)
	}
	var c Configuration
	var ok bool
	if c.Variant, ok = lookup(variantNames, parts[0]); !ok {
		return Best(), fmt.Errorf("%w: variant %q", ErrUnsupportedConfiguration, parts[0])
	}
	if len(parts) > 1 {
		if c.Input, ok = lookup(inputNames, parts[1]); !ok {
			return Best(), fmt.Errorf("%w: input %q", ErrUnsupportedConfiguration, parts[1])
		}
	}
	if len(parts) > 2 {
		if c.Criterion, ok = lookup(criterionNames, parts[2]); !ok {
			return Best(), fmt.Errorf("%w: criterion %q", ErrUnsupportedConfiguration, parts[2])
		}
	}
	if len(parts) > 3 {
		if c.Layout, ok = lookup(layoutNames, parts[3]); !ok {
			return Best(), fmt.Errorf("%w: layout %q", ErrUnsupportedConfiguration, parts[3])
		}
	}
	return c, nil
}

func lookup[T comparable](names map[T]string, s string) (T, bool) {
	for k, v := range names {
		if v == s {
			return k, true
		}
	}
	var zero T
	return zero, false
}

// variantSpec is the static capability entry of one variant.
type variantSpec struct {
	// entry is the device entry point fragment.
	entry string
	// excluded lists unsupported (input, layout) combinations; a zero axis
	// matches every value of that axis.
	excluded []exclusion
	// partition splits a launch into host tasks for the CPU backend.
	partition func(subsets, candidates int) []span
}

type exclusion struct {
	input  Input
	layout Layout
	reason string
}

// variants is the static variant registry. Exclusions are documented per
// variant and never derived at runtime:
//
//   - 15d keeps one work group resident per subset and reads images through
//     plain global pointers only; image2d_t sampling is not supported.
//   - 2d with image input cannot combine with planar candidate columns
//     because the image path reuses the candidate row as its read cursor.
var variants = map[Variant]variantSpec{
	Variant1D: {
		entry:     entry1D,
		partition: partitionFlat,
	},
	Variant2D: {
		entry: entry2D,
		excluded: []exclusion{
			{input: InputImage, layout: Planar, reason: "2d image kernels require interleaved candidates"},
		},
		partition: partitionTiles,
	},
	Variant15D: {
		entry: entry15D,
		excluded: []exclusion{
			{input: InputImage, reason: "15d kernels read images from global arrays only"},
		},
		partition: partitionRows,
	},
}

// Excluded reports whether a concrete configuration is unsupported and why.
func Excluded(c Configuration) (bool, string) {
	spec, ok := variants[c.Variant]
	if !ok {
		return true, "unknown variant"
	}
	for _, e := range spec.excluded {
		if (e.input == InputBest || e.input == c.Input) && (e.layout == LayoutBest || e.layout == c.Layout) {
			return true, e.reason
		}
	}
	return false, ""
}

// Enumerate lists every concrete, non-excluded configuration matching the
// request in a deterministic order.
func Enumerate(request Configuration) []Configuration {
	var out []Configuration
	for _, v := range []Variant{Variant1D, Variant2D, Variant15D} {
		for _, in := range []Input{InputArray, InputImage} {
			for _, cr := range []Criterion{ZNCC, ZNSSD, NCC} {
				for _, l := range []Layout{Interleaved, Planar} {
					c := Configuration{Variant: v, Input: in, Criterion: cr, Layout: l}
					if excluded, _ := Excluded(c); excluded || !c.Matches(request) {
						continue
					}
					out = append(out, c)
				}
			}
		}
	}
	slices.SortFunc(out, func(a, b Configuration) int { return strings.Compare(a.Key(), b.Key()) })
	return out
}

// Resolve fills wildcard axes of request with the default configuration,
// falling back to the first non-excluded configuration that matches.
func Resolve(request Configuration) (Configuration, error) {
	def := DefaultConfiguration()
	c := request
	if c.Variant == VariantBest {
		c.Variant = def.Variant
	}
	if c.Input == InputBest {
		c.Input = def.Input
	}
	if c.Criterion == CriterionBest {
		c.Criterion = def.Criterion
	}
	if c.Layout == LayoutBest {
		c.Layout = def.Layout
	}
	if excluded, _ := Excluded(c); !excluded {
		return c, nil
	}
	candidates := Enumerate(request)
	if len(candidates) == 0 {
		_, reason := Excluded(c)
		return Best(), fmt.Errorf("%w: %s: %s", ErrUnsupportedConfiguration, request, reason)
	}
	return candidates[0], nil
}
