package opencl

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusName(t *testing.T) {
	assert.Equal(t, "CL_OUT_OF_RESOURCES", StatusName(CL_OUT_OF_RESOURCES))
	assert.Equal(t, "CL_UNKNOWN_ERROR", StatusName(-9999))
}

func TestError(t *testing.T) {
	err := check("clCreateBuffer", CL_MEM_OBJECT_ALLOCATION_FAILURE)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CL_MEM_OBJECT_ALLOCATION_FAILURE")
	assert.NoError(t, check("clFinish", CL_SUCCESS))
}

func TestIsResourceExhausted(t *testing.T) {
	for _, code := range []int32{CL_MEM_OBJECT_ALLOCATION_FAILURE, CL_OUT_OF_RESOURCES, CL_OUT_OF_HOST_MEMORY} {
		err := fmt.Errorf("launch: %w", &Error{Op: "x", Code: code})
		assert.True(t, IsResourceExhausted(err), StatusName(code))
	}
	assert.False(t, IsResourceExhausted(&Error{Op: "x", Code: CL_BUILD_PROGRAM_FAILURE}))
	assert.False(t, IsResourceExhausted(errors.New("plain")))
}

func TestDevicesWithoutRuntime(t *testing.T) {
	devices, err := Devices()
	if err != nil {
		assert.True(t, errors.Is(err, ErrOpenCLNotAvailable) || errors.Is(err, ErrNoDevice))
		assert.False(t, IsAvailable())
		return
	}
	require.NotEmpty(t, devices)
	assert.NotEmpty(t, devices[0].Name)
}
