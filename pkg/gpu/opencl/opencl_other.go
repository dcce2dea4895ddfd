//go:build !darwin && !linux && !freebsd

package opencl

func loadLibrary() (uintptr, error) {
	return 0, ErrOpenCLNotAvailable
}

func registerFunctions(uintptr) {}
