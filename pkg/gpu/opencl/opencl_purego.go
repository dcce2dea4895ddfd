//go:build darwin || linux || freebsd

package opencl

import (
	"runtime"

	"github.com/ebitengine/purego"
)

func libraryCandidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/System/Library/Frameworks/OpenCL.framework/OpenCL"}
	default:
		return []string{"libOpenCL.so.1", "libOpenCL.so", "/usr/lib/x86_64-linux-gnu/libOpenCL.so.1"}
	}
}

func loadLibrary() (uintptr, error) {
	for _, name := range libraryCandidates() {
		lib, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return lib, nil
		}
	}
	return 0, ErrOpenCLNotAvailable
}

func registerFunctions(lib uintptr) {
	purego.RegisterLibFunc(&clGetPlatformIDs, lib, "clGetPlatformIDs")
	purego.RegisterLibFunc(&clGetDeviceIDs, lib, "clGetDeviceIDs")
	purego.RegisterLibFunc(&clGetDeviceInfo, lib, "clGetDeviceInfo")
	purego.RegisterLibFunc(&clCreateContext, lib, "clCreateContext")
	purego.RegisterLibFunc(&clCreateCommandQueue, lib, "clCreateCommandQueue")
	purego.RegisterLibFunc(&clCreateProgramWithSource, lib, "clCreateProgramWithSource")
	purego.RegisterLibFunc(&clBuildProgram, lib, "clBuildProgram")
	purego.RegisterLibFunc(&clGetProgramBuildInfo, lib, "clGetProgramBuildInfo")
	purego.RegisterLibFunc(&clCreateKernel, lib, "clCreateKernel")
	purego.RegisterLibFunc(&clSetKernelArg, lib, "clSetKernelArg")
	purego.RegisterLibFunc(&clCreateBuffer, lib, "clCreateBuffer")
	purego.RegisterLibFunc(&clCreateImage, lib, "clCreateImage")
	purego.RegisterLibFunc(&clEnqueueWriteBuffer, lib, "clEnqueueWriteBuffer")
	purego.RegisterLibFunc(&clEnqueueReadBuffer, lib, "clEnqueueReadBuffer")
	purego.RegisterLibFunc(&clEnqueueNDRangeKernel, lib, "clEnqueueNDRangeKernel")
	purego.RegisterLibFunc(&clFinish, lib, "clFinish")
	purego.RegisterLibFunc(&clReleaseMemObject, lib, "clReleaseMemObject")
	purego.RegisterLibFunc(&clReleaseKernel, lib, "clReleaseKernel")
	purego.RegisterLibFunc(&clReleaseProgram, lib, "clReleaseProgram")
	purego.RegisterLibFunc(&clReleaseCommandQueue, lib, "clReleaseCommandQueue")
	purego.RegisterLibFunc(&clReleaseContext, lib, "clReleaseContext")
}
