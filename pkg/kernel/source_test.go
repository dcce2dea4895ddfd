package kernel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/dicengine/pkg/deformation"
	"github.com/orneryd/dicengine/pkg/imaging"
)

func TestGenerateSubstitutesEverything(t *testing.T) {
	for _, cfg := range Enumerate(Best()) {
		for _, order := range []deformation.Order{deformation.Zero, deformation.First, deformation.Second} {
			for _, limits := range []bool{true, false} {
				for _, interp := range []imaging.Interpolation{imaging.Bilinear, imaging.Bicubic} {
					p := Params{SubsetSize: 7, Order: order, UsesLimits: limits, Interpolation: interp, Config: cfg}
					src, err := Generate(p)
					require.NoError(t, err, "%+v", p)
					assert.Empty(t, Unresolved(src), "%+v", p)
					assert.Contains(t, src, "#define SUBSET_SIZE 7")
					assert.Contains(t, src, "__kernel void correlate(")
					assert.Contains(t, src, "__kernel void reduce_max(")
					assert.Contains(t, src, "__kernel void locate_max(")
				}
			}
		}
	}
}

func TestGenerateRejectsWildcards(t *testing.T) {
	_, err := Generate(Params{SubsetSize: 3, Order: deformation.Zero, Config: Configuration{Variant: Variant1D}})
	assert.ErrorIs(t, err, ErrUnresolvedConfiguration)
}

func TestGenerateRejectsExcluded(t *testing.T) {
	cfg := Configuration{Variant: Variant15D, Input: InputImage, Criterion: ZNCC, Layout: Interleaved}
	_, err := Generate(Params{SubsetSize: 3, Order: deformation.Zero, Config: cfg})
	assert.ErrorIs(t, err, ErrUnsupportedConfiguration)
}

func TestGenerateCoefficientCount(t *testing.T) {
	src, err := Generate(Params{SubsetSize: 4, Order: deformation.Second, UsesLimits: true, Config: DefaultConfiguration()})
	require.NoError(t, err)
	assert.Contains(t, src, "#define COEFF_COUNT 12")
	assert.True(t, strings.Count(src, "__kernel void") >= 3)
}

func TestUnresolved(t *testing.T) {
	assert.Equal(t, []string{"%ENTRY%"}, Unresolved("a %ENTRY% b"))
	assert.Empty(t, Unresolved("x % y"))
}

func TestParamsMaxPoints(t *testing.T) {
	assert.Equal(t, 441, Params{SubsetSize: 10}.MaxPoints())
	assert.Equal(t, 1, Params{SubsetSize: 0}.MaxPoints())
}
