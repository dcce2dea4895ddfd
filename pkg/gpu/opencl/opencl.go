// Package opencl provides OpenCL compute bindings loaded at runtime.
//
// The bindings use purego to dynamically load the OpenCL ICD loader, so the
// engine builds without cgo and degrades to the CPU backend on machines that
// have no OpenCL runtime installed.
//
// Supported Platforms:
//   - Linux: libOpenCL.so.1 (ICD loader shipped with GPU drivers)
//   - macOS: OpenCL.framework
//
// Only the subset of the API needed to build a program from source, move
// float buffers and 2D float images, and launch NDRange kernels is bound.
package opencl

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"
)

// OpenCL status codes
const (
	CL_SUCCESS                         = 0
	CL_DEVICE_NOT_FOUND                = -1
	CL_DEVICE_NOT_AVAILABLE            = -2
	CL_COMPILER_NOT_AVAILABLE          = -3
	CL_MEM_OBJECT_ALLOCATION_FAILURE   = -4
	CL_OUT_OF_RESOURCES                = -5
	CL_OUT_OF_HOST_MEMORY              = -6
	CL_BUILD_PROGRAM_FAILURE           = -11
	CL_INVALID_VALUE                   = -30
	CL_INVALID_DEVICE                  = -33
	CL_INVALID_CONTEXT                 = -34
	CL_INVALID_COMMAND_QUEUE           = -36
	CL_INVALID_MEM_OBJECT              = -38
	CL_INVALID_IMAGE_FORMAT_DESCRIPTOR = -39
	CL_INVALID_PROGRAM                 = -44
	CL_INVALID_PROGRAM_EXECUTABLE      = -45
	CL_INVALID_KERNEL_NAME             = -46
	CL_INVALID_KERNEL                  = -48
	CL_INVALID_ARG_INDEX               = -49
	CL_INVALID_ARG_VALUE               = -50
	CL_INVALID_ARG_SIZE                = -51
	CL_INVALID_KERNEL_ARGS             = -52
	CL_INVALID_WORK_DIMENSION          = -53
	CL_INVALID_WORK_GROUP_SIZE         = -54
	CL_INVALID_GLOBAL_OFFSET           = -56
	CL_INVALID_OPERATION               = -59
	CL_INVALID_BUFFER_SIZE             = -61
	CL_INVALID_GLOBAL_WORK_SIZE        = -63
)

// OpenCL enums
const (
	CL_DEVICE_TYPE_GPU = uint64(1 << 2)
	CL_DEVICE_TYPE_ALL = uint64(0xFFFFFFFF)

	CL_DEVICE_MAX_COMPUTE_UNITS   = uint32(0x1002)
	CL_DEVICE_MAX_WORK_GROUP_SIZE = uint32(0x1004)
	CL_DEVICE_MAX_MEM_ALLOC_SIZE  = uint32(0x1010)
	CL_DEVICE_IMAGE_SUPPORT       = uint32(0x1016)
	CL_DEVICE_GLOBAL_MEM_SIZE     = uint32(0x101F)
	CL_DEVICE_NAME                = uint32(0x102B)
	CL_DEVICE_VENDOR              = uint32(0x102C)
	CL_DEVICE_VERSION             = uint32(0x102F)

	CL_PROGRAM_BUILD_LOG = uint32(0x1183)

	CL_MEM_READ_WRITE     = uint64(1 << 0)
	CL_MEM_WRITE_ONLY     = uint64(1 << 1)
	CL_MEM_READ_ONLY      = uint64(1 << 2)
	CL_MEM_COPY_HOST_PTR  = uint64(1 << 5)
	CL_R                  = uint32(0x10B0)
	CL_FLOAT              = uint32(0x10DE)
	CL_MEM_OBJECT_IMAGE2D = uint32(0x10F1)
	CL_TRUE               = uint32(1)
)

// OpenCL handle types
type (
	clPlatform uintptr
	clDevice   uintptr
	clContext  uintptr
	clQueue    uintptr
	clProgram  uintptr
	clKernel   uintptr
	clMem      uintptr
)

type clImageFormat struct {
	ChannelOrder    uint32
	ChannelDataType uint32
}

type clImageDesc struct {
	ImageType    uint32
	_            uint32
	Width        uintptr
	Height       uintptr
	Depth        uintptr
	ArraySize    uintptr
	RowPitch     uintptr
	SlicePitch   uintptr
	NumMipLevels uint32
	NumSamples   uint32
	Buffer       uintptr
}

// OpenCL function pointers (set by platform-specific code)
var (
	openclLib uintptr
	openclMu  sync.Mutex
	openclErr error

	clGetPlatformIDs          func(numEntries uint32, platforms *clPlatform, numPlatforms *uint32) int32
	clGetDeviceIDs            func(platform clPlatform, deviceType uint64, numEntries uint32, devices *clDevice, numDevices *uint32) int32
	clGetDeviceInfo           func(device clDevice, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clCreateContext           func(properties uintptr, numDevices uint32, devices *clDevice, notify uintptr, userData uintptr, errcode *int32) clContext
	clCreateCommandQueue      func(ctx clContext, device clDevice, properties uint64, errcode *int32) clQueue
	clCreateProgramWithSource func(ctx clContext, count uint32, strings *uintptr, lengths *uintptr, errcode *int32) clProgram
	clBuildProgram            func(program clProgram, numDevices uint32, devices *clDevice, options *byte, notify uintptr, userData uintptr) int32
	clGetProgramBuildInfo     func(program clProgram, device clDevice, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clCreateKernel            func(program clProgram, name *byte, errcode *int32) clKernel
	clSetKernelArg            func(kernel clKernel, index uint32, size uintptr, value unsafe.Pointer) int32
	clCreateBuffer            func(ctx clContext, flags uint64, size uintptr, host unsafe.Pointer, errcode *int32) clMem
	clCreateImage             func(ctx clContext, flags uint64, format *clImageFormat, desc *clImageDesc, host unsafe.Pointer, errcode *int32) clMem
	clEnqueueWriteBuffer      func(queue clQueue, mem clMem, blocking uint32, offset uintptr, size uintptr, ptr unsafe.Pointer, numEvents uint32, waitList uintptr, event uintptr) int32
	clEnqueueReadBuffer       func(queue clQueue, mem clMem, blocking uint32, offset uintptr, size uintptr, ptr unsafe.Pointer, numEvents uint32, waitList uintptr, event uintptr) int32
	clEnqueueNDRangeKernel    func(queue clQueue, kernel clKernel, workDim uint32, offset *uintptr, global *uintptr, local *uintptr, numEvents uint32, waitList uintptr, event uintptr) int32
	clFinish                  func(queue clQueue) int32
	clReleaseMemObject        func(mem clMem) int32
	clReleaseKernel           func(kernel clKernel) int32
	clReleaseProgram          func(program clProgram) int32
	clReleaseCommandQueue     func(queue clQueue) int32
	clReleaseContext          func(ctx clContext) int32
)

// Errors
var (
	ErrOpenCLNotAvailable = errors.New("opencl: OpenCL is not available (library not found)")
	ErrNoDevice           = errors.New("opencl: no OpenCL device found")
	ErrBuildFailed        = errors.New("opencl: program build failed")
	ErrReleased           = errors.New("opencl: object already released")
)

// Error is a non-zero OpenCL status returned by an API call.
type Error struct {
	Op   string
	Code int32
}

func (e *Error) Error() string {
	return fmt.Sprintf("opencl: %s: %s (%d)", e.Op, StatusName(e.Code), e.Code)
}

// IsResourceExhausted reports whether err is an OpenCL allocation or
// resource failure that a smaller launch may avoid.
func IsResourceExhausted(err error) bool {
	var clErr *Error
	if !errors.As(err, &clErr) {
		return false
	}
	switch clErr.Code {
	case CL_MEM_OBJECT_ALLOCATION_FAILURE, CL_OUT_OF_RESOURCES, CL_OUT_OF_HOST_MEMORY,
		CL_INVALID_BUFFER_SIZE, CL_INVALID_WORK_GROUP_SIZE:
		return true
	}
	return false
}

func check(op string, code int32) error {
	if code == CL_SUCCESS {
		return nil
	}
	return &Error{Op: op, Code: code}
}

// StatusName maps an OpenCL status code to its symbolic name.
func StatusName(code int32) string {
	switch code {
	case CL_SUCCESS:
		return "CL_SUCCESS"
	case CL_DEVICE_NOT_FOUND:
		return "CL_DEVICE_NOT_FOUND"
	case CL_DEVICE_NOT_AVAILABLE:
		return "CL_DEVICE_NOT_AVAILABLE"
	case CL_COMPILER_NOT_AVAILABLE:
		return "CL_COMPILER_NOT_AVAILABLE"
	case CL_MEM_OBJECT_ALLOCATION_FAILURE:
		return "CL_MEM_OBJECT_ALLOCATION_FAILURE"
	case CL_OUT_OF_RESOURCES:
		return "CL_OUT_OF_RESOURCES"
	case CL_OUT_OF_HOST_MEMORY:
		return "CL_OUT_OF_HOST_MEMORY"
	case CL_BUILD_PROGRAM_FAILURE:
		return "CL_BUILD_PROGRAM_FAILURE"
	case CL_INVALID_VALUE:
		return "CL_INVALID_VALUE"
	case CL_INVALID_DEVICE:
		return "CL_INVALID_DEVICE"
	case CL_INVALID_CONTEXT:
		return "CL_INVALID_CONTEXT"
	case CL_INVALID_COMMAND_QUEUE:
		return "CL_INVALID_COMMAND_QUEUE"
	case CL_INVALID_MEM_OBJECT:
		return "CL_INVALID_MEM_OBJECT"
	case CL_INVALID_IMAGE_FORMAT_DESCRIPTOR:
		return "CL_INVALID_IMAGE_FORMAT_DESCRIPTOR"
	case CL_INVALID_PROGRAM:
		return "CL_INVALID_PROGRAM"
	case CL_INVALID_PROGRAM_EXECUTABLE:
		return "CL_INVALID_PROGRAM_EXECUTABLE"
	case CL_INVALID_KERNEL_NAME:
		return "CL_INVALID_KERNEL_NAME"
	case CL_INVALID_KERNEL:
		return "CL_INVALID_KERNEL"
	case CL_INVALID_ARG_INDEX:
		return "CL_INVALID_ARG_INDEX"
	case CL_INVALID_ARG_VALUE:
		return "CL_INVALID_ARG_VALUE"
	case CL_INVALID_ARG_SIZE:
		return "CL_INVALID_ARG_SIZE"
	case CL_INVALID_KERNEL_ARGS:
		return "CL_INVALID_KERNEL_ARGS"
	case CL_INVALID_WORK_DIMENSION:
		return "CL_INVALID_WORK_DIMENSION"
	case CL_INVALID_WORK_GROUP_SIZE:
		return "CL_INVALID_WORK_GROUP_SIZE"
	case CL_INVALID_GLOBAL_OFFSET:
		return "CL_INVALID_GLOBAL_OFFSET"
	case CL_INVALID_OPERATION:
		return "CL_INVALID_OPERATION"
	case CL_INVALID_BUFFER_SIZE:
		return "CL_INVALID_BUFFER_SIZE"
	case CL_INVALID_GLOBAL_WORK_SIZE:
		return "CL_INVALID_GLOBAL_WORK_SIZE"
	}
	return "CL_UNKNOWN_ERROR"
}

// initOpenCL loads the OpenCL library once. A failed load is cached.
func initOpenCL() error {
	openclMu.Lock()
	defer openclMu.Unlock()

	if openclLib != 0 {
		return nil
	}
	if openclErr != nil {
		return openclErr
	}

	lib, err := loadLibrary()
	if err != nil {
		openclErr = err
		return err
	}
	openclLib = lib
	registerFunctions(lib)
	return nil
}

// IsAvailable reports whether an OpenCL runtime with at least one device is
// installed.
func IsAvailable() bool {
	devices, err := Devices()
	return err == nil && len(devices) > 0
}

// DeviceInfo describes an OpenCL device.
type DeviceInfo struct {
	Index          int
	Name           string
	Vendor         string
	Version        string
	GlobalMemBytes uint64
	MaxAllocBytes  uint64
	ComputeUnits   int
	MaxWorkGroup   int
	ImageSupport   bool

	handle clDevice
}

// Devices enumerates GPU devices on every platform, or every device when no
// GPU is exposed.
func Devices() ([]DeviceInfo, error) {
	if err := initOpenCL(); err != nil {
		return nil, err
	}

	var numPlatforms uint32
	if err := check("clGetPlatformIDs", clGetPlatformIDs(0, nil, &numPlatforms)); err != nil || numPlatforms == 0 {
		return nil, ErrNoDevice
	}
	platforms := make([]clPlatform, numPlatforms)
	if err := check("clGetPlatformIDs", clGetPlatformIDs(numPlatforms, &platforms[0], nil)); err != nil {
		return nil, err
	}

	var out []DeviceInfo
	for _, deviceType := range []uint64{CL_DEVICE_TYPE_GPU, CL_DEVICE_TYPE_ALL} {
		for _, p := range platforms {
			var n uint32
			if clGetDeviceIDs(p, deviceType, 0, nil, &n) != CL_SUCCESS || n == 0 {
				continue
			}
			ids := make([]clDevice, n)
			if clGetDeviceIDs(p, deviceType, n, &ids[0], nil) != CL_SUCCESS {
				continue
			}
			for _, id := range ids {
				info := describe(id)
				info.Index = len(out)
				out = append(out, info)
			}
		}
		if len(out) > 0 {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrNoDevice
	}
	return out, nil
}

func describe(id clDevice) DeviceInfo {
	return DeviceInfo{
		Name:           deviceString(id, CL_DEVICE_NAME),
		Vendor:         deviceString(id, CL_DEVICE_VENDOR),
		Version:        deviceString(id, CL_DEVICE_VERSION),
		GlobalMemBytes: deviceUint64(id, CL_DEVICE_GLOBAL_MEM_SIZE),
		MaxAllocBytes:  deviceUint64(id, CL_DEVICE_MAX_MEM_ALLOC_SIZE),
		ComputeUnits:   int(deviceUint32(id, CL_DEVICE_MAX_COMPUTE_UNITS)),
		MaxWorkGroup:   int(deviceUintptr(id, CL_DEVICE_MAX_WORK_GROUP_SIZE)),
		ImageSupport:   deviceUint32(id, CL_DEVICE_IMAGE_SUPPORT) != 0,
		handle:         id,
	}
}

func deviceString(id clDevice, param uint32) string {
	var size uintptr
	if clGetDeviceInfo(id, param, 0, nil, &size) != CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00 ")
}

func deviceUint64(id clDevice, param uint32) uint64 {
	var v uint64
	clGetDeviceInfo(id, param, unsafe.Sizeof(v), unsafe.Pointer(&v), nil)
	return v
}

func deviceUint32(id clDevice, param uint32) uint32 {
	var v uint32
	clGetDeviceInfo(id, param, unsafe.Sizeof(v), unsafe.Pointer(&v), nil)
	return v
}

func deviceUintptr(id clDevice, param uint32) uintptr {
	var v uintptr
	clGetDeviceInfo(id, param, unsafe.Sizeof(v), unsafe.Pointer(&v), nil)
	return v
}

// Context owns one device, its context and a single in-order command queue.
// All enqueue calls are serialised on the queue mutex.
type Context struct {
	device DeviceInfo
	ctx    clContext
	queue  clQueue
	mu     sync.Mutex
}

// NewContext opens the device with the given index from Devices.
func NewContext(index int) (*Context, error) {
	devices, err := Devices()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(devices) {
		index = 0
	}
	dev := devices[index]

	var code int32
	ctx := clCreateContext(0, 1, &dev.handle, 0, 0, &code)
	if err := check("clCreateContext", code); err != nil {
		return nil, err
	}
	queue := clCreateCommandQueue(ctx, dev.handle, 0, &code)
	if err := check("clCreateCommandQueue", code); err != nil {
		clReleaseContext(ctx)
		return nil, err
	}
	return &Context{device: dev, ctx: ctx, queue: queue}, nil
}

// Device returns the device backing the context.
func (c *Context) Device() DeviceInfo { return c.device }

// Release frees the queue and context.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue != 0 {
		clReleaseCommandQueue(c.queue)
		c.queue = 0
	}
	if c.ctx != 0 {
		clReleaseContext(c.ctx)
		c.ctx = 0
	}
}

// Program is a built OpenCL program.
type Program struct {
	ctx    *Context
	handle clProgram
}

// Build compiles source for the context's device. On failure the error
// carries the compiler build log.
func (c *Context) Build(source, options string) (*Program, error) {
	src := cString(source)
	ptrs := []uintptr{uintptr(unsafe.Pointer(&src[0]))}
	lengths := []uintptr{uintptr(len(source))}

	var code int32
	prog := clCreateProgramWithSource(c.ctx, 1, &ptrs[0], &lengths[0], &code)
	runtime.KeepAlive(src)
	if err := check("clCreateProgramWithSource", code); err != nil {
		return nil, err
	}

	opts := cString(options)
	if err := check("clBuildProgram", clBuildProgram(prog, 1, &c.device.handle, &opts[0], 0, 0)); err != nil {
		log := c.buildLog(prog)
		clReleaseProgram(prog)
		return nil, fmt.Errorf("%w: %w\n%s", ErrBuildFailed, err, log)
	}
	return &Program{ctx: c, handle: prog}, nil
}

func (c *Context) buildLog(prog clProgram) string {
	var size uintptr
	if clGetProgramBuildInfo(prog, c.device.handle, CL_PROGRAM_BUILD_LOG, 0, nil, &size) != CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	clGetProgramBuildInfo(prog, c.device.handle, CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	return strings.TrimRight(string(buf), "\x00")
}

// Kernel creates a kernel object for an entry point.
func (p *Program) Kernel(name string) (*Kernel, error) {
	n := cString(name)
	var code int32
	k := clCreateKernel(p.handle, &n[0], &code)
	if err := check("clCreateKernel("+name+")", code); err != nil {
		return nil, err
	}
	return &Kernel{name: name, handle: k}, nil
}

// Release frees the program.
func (p *Program) Release() {
	if p.handle != 0 {
		clReleaseProgram(p.handle)
		p.handle = 0
	}
}

// Kernel is one entry point of a program.
type Kernel struct {
	name   string
	handle clKernel
}

// SetBuffer binds a memory object to argument index.
func (k *Kernel) SetBuffer(index int, b *Buffer) error {
	mem := b.handle
	return check("clSetKernelArg", clSetKernelArg(k.handle, uint32(index), unsafe.Sizeof(mem), unsafe.Pointer(&mem)))
}

// SetInt32 binds an int argument.
func (k *Kernel) SetInt32(index int, v int32) error {
	return check("clSetKernelArg", clSetKernelArg(k.handle, uint32(index), unsafe.Sizeof(v), unsafe.Pointer(&v)))
}

// SetInt64 binds a long argument.
func (k *Kernel) SetInt64(index int, v int64) error {
	return check("clSetKernelArg", clSetKernelArg(k.handle, uint32(index), unsafe.Sizeof(v), unsafe.Pointer(&v)))
}

// SetLocal reserves size bytes of local memory for argument index.
func (k *Kernel) SetLocal(index int, size int) error {
	return check("clSetKernelArg", clSetKernelArg(k.handle, uint32(index), uintptr(size), nil))
}

// Release frees the kernel.
func (k *Kernel) Release() {
	if k.handle != 0 {
		clReleaseKernel(k.handle)
		k.handle = 0
	}
}

// Buffer is a device memory object.
type Buffer struct {
	handle clMem
	size   int64
}

// Size returns the allocation size in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Release frees the memory object.
func (b *Buffer) Release() {
	if b.handle != 0 {
		clReleaseMemObject(b.handle)
		b.handle = 0
	}
}

// NewBuffer allocates size bytes. When host is non-empty the buffer is
// initialised from it.
func (c *Context) NewBuffer(flags uint64, size int64, host unsafe.Pointer) (*Buffer, error) {
	if host != nil {
		flags |= CL_MEM_COPY_HOST_PTR
	}
	var code int32
	mem := clCreateBuffer(c.ctx, flags, uintptr(size), host, &code)
	if err := check("clCreateBuffer", code); err != nil {
		return nil, err
	}
	return &Buffer{handle: mem, size: size}, nil
}

// NewFloatBuffer uploads a float32 slice into a read-only buffer.
func (c *Context) NewFloatBuffer(data []float32) (*Buffer, error) {
	if len(data) == 0 {
		data = []float32{0}
	}
	b, err := c.NewBuffer(CL_MEM_READ_ONLY, int64(len(data))*4, unsafe.Pointer(&data[0]))
	runtime.KeepAlive(data)
	return b, err
}

// NewIntBuffer uploads an int32 slice into a read-only buffer.
func (c *Context) NewIntBuffer(data []int32) (*Buffer, error) {
	if len(data) == 0 {
		data = []int32{0}
	}
	b, err := c.NewBuffer(CL_MEM_READ_ONLY, int64(len(data))*4, unsafe.Pointer(&data[0]))
	runtime.KeepAlive(data)
	return b, err
}

// NewImage2D uploads a single-channel float image.
func (c *Context) NewImage2D(width, height int, pix []float32) (*Buffer, error) {
	format := clImageFormat{ChannelOrder: CL_R, ChannelDataType: CL_FLOAT}
	desc := clImageDesc{ImageType: CL_MEM_OBJECT_IMAGE2D, Width: uintptr(width), Height: uintptr(height)}
	var code int32
	mem := clCreateImage(c.ctx, CL_MEM_READ_ONLY|CL_MEM_COPY_HOST_PTR, &format, &desc, unsafe.Pointer(&pix[0]), &code)
	runtime.KeepAlive(pix)
	if err := check("clCreateImage", code); err != nil {
		return nil, err
	}
	return &Buffer{handle: mem, size: int64(len(pix)) * 4}, nil
}

// Launch enqueues an NDRange kernel and waits for completion. local may be
// nil to let the runtime choose.
func (c *Context) Launch(k *Kernel, global, local []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := make([]uintptr, len(global))
	for i, v := range global {
		g[i] = uintptr(v)
	}
	var lp *uintptr
	if local != nil {
		l := make([]uintptr, len(local))
		for i, v := range local {
			l[i] = uintptr(v)
		}
		lp = &l[0]
	}
	if err := check("clEnqueueNDRangeKernel("+k.name+")",
		clEnqueueNDRangeKernel(c.queue, k.handle, uint32(len(global)), nil, &g[0], lp, 0, 0, 0)); err != nil {
		return err
	}
	return check("clFinish", clFinish(c.queue))
}

// ReadFloats copies a float buffer back to the host (blocking).
func (c *Context) ReadFloats(b *Buffer, dst []float32) error {
	if len(dst) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := check("clEnqueueReadBuffer", clEnqueueReadBuffer(c.queue, b.handle, CL_TRUE, 0,
		uintptr(len(dst)*4), unsafe.Pointer(&dst[0]), 0, 0, 0))
	runtime.KeepAlive(dst)
	return err
}

// ReadInts copies an int buffer back to the host (blocking).
func (c *Context) ReadInts(b *Buffer, dst []int32) error {
	if len(dst) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := check("clEnqueueReadBuffer", clEnqueueReadBuffer(c.queue, b.handle, CL_TRUE, 0,
		uintptr(len(dst)*4), unsafe.Pointer(&dst[0]), 0, 0, 0))
	runtime.KeepAlive(dst)
	return err
}

func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
