package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateRespectsExclusions(t *testing.T) {
	all := Enumerate(Best())
	// 3 variants × 2 inputs × 3 criteria × 2 layouts, minus 6 for 15d/image
	// and 3 for 2d/image/planar.
	assert.Len(t, all, 27)
	for _, c := range all {
		assert.True(t, c.IsConcrete(), c.Key())
		excluded, _ := Excluded(c)
		assert.False(t, excluded, c.Key())
	}
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Key(), all[i].Key())
	}
}

func TestEnumerateFiltersRequest(t *testing.T) {
	got := Enumerate(Configuration{Variant: Variant15D, Criterion: NCC})
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, Variant15D, c.Variant)
		assert.Equal(t, InputArray, c.Input)
		assert.Equal(t, NCC, c.Criterion)
	}
}

func TestExcludedCombinations(t *testing.T) {
	excluded, reason := Excluded(Configuration{Variant: Variant15D, Input: InputImage, Criterion: ZNCC, Layout: Interleaved})
	assert.True(t, excluded)
	assert.NotEmpty(t, reason)

	excluded, _ = Excluded(Configuration{Variant: Variant2D, Input: InputImage, Criterion: ZNSSD, Layout: Planar})
	assert.True(t, excluded)

	excluded, _ = Excluded(Configuration{Variant: Variant2D, Input: InputImage, Criterion: ZNSSD, Layout: Interleaved})
	assert.False(t, excluded)
}

func TestParseConfiguration(t *testing.T) {
	c, err := ParseConfiguration("2d/array/zncc/interleaved")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfiguration(), c)

	c, err = ParseConfiguration("best")
	require.NoError(t, err)
	assert.Equal(t, Best(), c)

	c, err = ParseConfiguration("15D/array")
	require.NoError(t, err)
	assert.Equal(t, Configuration{Variant: Variant15D, Input: InputArray}, c)

	_, err = ParseConfiguration("3d")
	assert.ErrorIs(t, err, ErrUnsupportedConfiguration)
	_, err = ParseConfiguration("1d/array/zncc/planar/extra")
	assert.ErrorIs(t, err, ErrUnsupportedConfiguration)

	for _, cfg := range Enumerate(Best()) {
		parsed, err := ParseConfiguration(cfg.Key())
		require.NoError(t, err)
		assert.Equal(t, cfg, parsed)
	}
}

func TestResolve(t *testing.T) {
	c, err := Resolve(Best())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfiguration(), c)

	c, err = Resolve(Configuration{Input: InputImage})
	require.NoError(t, err)
	assert.Equal(t, Configuration{Variant: Variant2D, Input: InputImage, Criterion: ZNCC, Layout: Interleaved}, c)

	// The 2d default is excluded here, so the first matching entry wins.
	c, err = Resolve(Configuration{Input: InputImage, Layout: Planar})
	require.NoError(t, err)
	assert.Equal(t, "1d/image/ncc/planar", c.Key())

	_, err = Resolve(Configuration{Variant: Variant15D, Input: InputImage})
	assert.ErrorIs(t, err, ErrUnsupportedConfiguration)
}
