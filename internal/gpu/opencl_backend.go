//go:build opencl && cgo

package gpu

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"strings"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

const openclBackendName = "opencl"

// tryCreateOpenCLBackend returns the OpenCL backend when built with the opencl tag.
func (m *Manager) tryCreateOpenCLBackend() Backend {
	return NewOpenCLBackend(m.logger)
}

// OpenCLBackend implements Backend on top of the system OpenCL ICD loader.
type OpenCLBackend struct {
	logger    *zap.Logger
	available bool
}

// NewOpenCLBackend creates a new OpenCL backend instance
func NewOpenCLBackend(logger *zap.Logger) *OpenCLBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &OpenCLBackend{logger: logger.Named("opencl")}

	if _, err := platformIDs(); err != nil {
		b.logger.Warn("OpenCL platform not available", zap.Error(err))
		b.available = false
	} else {
		b.available = true
	}
	return b
}

func (b *OpenCLBackend) Name() string {
	return openclBackendName
}

func (b *OpenCLBackend) IsAvailable() bool {
	return b.available
}

func clError(op string, status C.cl_int) *StatusError {
	return &StatusError{Op: op, Code: int32(status)}
}

func platformIDs() ([]C.cl_platform_id, error) {
	var n C.cl_uint
	if status := C.clGetPlatformIDs(0, nil, &n); status != C.CL_SUCCESS {
		return nil, clError("clGetPlatformIDs", status)
	}
	if n == 0 {
		return nil, newStatusError("clGetPlatformIDs", StatusPlatformNotFoundKHR, "no OpenCL platforms installed")
	}
	ids := make([]C.cl_platform_id, n)
	if status := C.clGetPlatformIDs(n, &ids[0], nil); status != C.CL_SUCCESS {
		return nil, clError("clGetPlatformIDs", status)
	}
	return ids, nil
}

func deviceIDs(platform C.cl_platform_id) ([]C.cl_device_id, error) {
	var n C.cl_uint
	status := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, 0, nil, &n)
	if status == C.CL_DEVICE_NOT_FOUND || n == 0 {
		return nil, nil
	}
	if status != C.CL_SUCCESS {
		return nil, clError("clGetDeviceIDs", status)
	}
	ids := make([]C.cl_device_id, n)
	if status := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, n, &ids[0], nil); status != C.CL_SUCCESS {
		return nil, clError("clGetDeviceIDs", status)
	}
	return ids, nil
}

func platformString(platform C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(platform, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetPlatformInfo(platform, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

func deviceString(device C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(device, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetDeviceInfo(device, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

func deviceUint(device C.cl_device_id, param C.cl_device_info) uint64 {
	var v C.cl_uint
	C.clGetDeviceInfo(device, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return uint64(v)
}

func deviceUlong(device C.cl_device_id, param C.cl_device_info) uint64 {
	var v C.cl_ulong
	C.clGetDeviceInfo(device, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return uint64(v)
}

func deviceSize(device C.cl_device_id, param C.cl_device_info) uint64 {
	var v C.size_t
	C.clGetDeviceInfo(device, param, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return uint64(v)
}

func deviceKind(device C.cl_device_id) DeviceType {
	var t C.cl_device_type
	C.clGetDeviceInfo(device, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(t)), unsafe.Pointer(&t), nil)
	switch {
	case t&C.CL_DEVICE_TYPE_GPU != 0:
		return DeviceTypeGPU
	case t&C.CL_DEVICE_TYPE_CPU != 0:
		return DeviceTypeCPU
	case t&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return DeviceTypeAccelerator
	default:
		return DeviceTypeUnknown
	}
}

// Platforms enumerates every OpenCL platform and device.
func (b *OpenCLBackend) Platforms() ([]PlatformInfo, error) {
	ids, err := platformIDs()
	if err != nil {
		return nil, err
	}
	platforms := make([]PlatformInfo, 0, len(ids))
	for i, pid := range ids {
		p := PlatformInfo{
			Backend: openclBackendName,
			Index:   i,
			Name:    platformString(pid, C.CL_PLATFORM_NAME),
			Vendor:  platformString(pid, C.CL_PLATFORM_VENDOR),
			Version: platformString(pid, C.CL_PLATFORM_VERSION),
		}
		devices, err := deviceIDs(pid)
		if err != nil {
			b.logger.Warn("Failed to list devices", zap.String("platform", p.Name), zap.Error(err))
		}
		for j, did := range devices {
			mem := int64(deviceUlong(did, C.CL_DEVICE_GLOBAL_MEM_SIZE))
			p.Devices = append(p.Devices, DeviceInfo{
				Backend:          openclBackendName,
				Platform:         p.Name,
				PlatformIndex:    i,
				Index:            j,
				Name:             deviceString(did, C.CL_DEVICE_NAME),
				Vendor:           deviceString(did, C.CL_DEVICE_VENDOR),
				Version:          deviceString(did, C.CL_DEVICE_VERSION),
				DriverVersion:    deviceString(did, C.CL_DRIVER_VERSION),
				Type:             deviceKind(did),
				MaxComputeUnits:  int(deviceUint(did, C.CL_DEVICE_MAX_COMPUTE_UNITS)),
				MaxWorkGroupSize: int(deviceSize(did, C.CL_DEVICE_MAX_WORK_GROUP_SIZE)),
				TotalMemory:      mem,
				AvailableMemory:  mem, // OpenCL 1.2 has no portable free-memory query
			})
		}
		platforms = append(platforms, p)
	}
	return platforms, nil
}

func (b *OpenCLBackend) lookupDevice(device DeviceInfo) (C.cl_device_id, error) {
	ids, err := platformIDs()
	if err != nil {
		return nil, err
	}
	if device.Backend != openclBackendName || device.PlatformIndex < 0 || device.PlatformIndex >= len(ids) {
		return nil, newStatusError("clGetDeviceIDs", StatusInvalidPlatform, "no platform %d", device.PlatformIndex)
	}
	devices, err := deviceIDs(ids[device.PlatformIndex])
	if err != nil {
		return nil, err
	}
	if device.Index < 0 || device.Index >= len(devices) {
		return nil, newStatusError("clGetDeviceIDs", StatusInvalidDevice, "no device %d on platform %d", device.Index, device.PlatformIndex)
	}
	return devices[device.Index], nil
}

// CreateContext creates an OpenCL context on the given device.
func (b *OpenCLBackend) CreateContext(device DeviceInfo) (Context, error) {
	did, err := b.lookupDevice(device)
	if err != nil {
		return nil, err
	}
	var status C.cl_int
	ctx := C.clCreateContext(nil, 1, &did, nil, nil, &status)
	if status != C.CL_SUCCESS || ctx == nil {
		return nil, clError("clCreateContext", status)
	}
	b.logger.Debug("Created OpenCL context", zap.String("device", device.Name))
	return &openclContext{backend: b, device: device, id: ctx, dev: did}, nil
}

type openclContext struct {
	backend *OpenCLBackend
	device  DeviceInfo
	id      C.cl_context
	dev     C.cl_device_id
	once    sync.Once
}

func (c *openclContext) Device() DeviceInfo {
	return c.device
}

func (c *openclContext) CreateCommandQueue() (CommandQueue, error) {
	var status C.cl_int
	q := C.clCreateCommandQueue(c.id, c.dev, 0, &status)
	if status != C.CL_SUCCESS || q == nil {
		return nil, clError("clCreateCommandQueue", status)
	}
	return &openclQueue{id: q}, nil
}

func (c *openclContext) CreateProgramWithSource(name, source string) (Program, error) {
	if source == "" {
		return nil, newStatusError("clCreateProgramWithSource", StatusInvalidValue, "empty program source")
	}
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))
	length := C.size_t(len(source))

	var status C.cl_int
	p := C.clCreateProgramWithSource(c.id, 1, &csrc, &length, &status)
	if status != C.CL_SUCCESS || p == nil {
		return nil, clError("clCreateProgramWithSource", status)
	}
	return &openclProgram{name: name, id: p, dev: c.dev}, nil
}

func (c *openclContext) CreateBuffer(flags MemFlags, size int, host []float32) (Buffer, error) {
	const op = "clCreateBuffer"
	if size <= 0 {
		return nil, newStatusError(op, StatusInvalidBufferSize, "size %d", size)
	}

	var clFlags C.cl_mem_flags
	switch {
	case flags&MemReadOnly != 0:
		clFlags = C.CL_MEM_READ_ONLY
	case flags&MemWriteOnly != 0:
		clFlags = C.CL_MEM_WRITE_ONLY
	default:
		clFlags = C.CL_MEM_READ_WRITE
	}

	var hostPtr unsafe.Pointer
	if flags&MemCopyHostPtr != 0 {
		if len(host) < size {
			return nil, newStatusError(op, StatusInvalidHostPtr, "host slice holds %d elements, need %d", len(host), size)
		}
		clFlags |= C.CL_MEM_COPY_HOST_PTR
		hostPtr = unsafe.Pointer(&host[0])
	} else if host != nil {
		return nil, newStatusError(op, StatusInvalidHostPtr, "host slice given without copy-host-ptr")
	}

	var status C.cl_int
	mem := C.clCreateBuffer(c.id, clFlags, C.size_t(size*4), hostPtr, &status)
	if status != C.CL_SUCCESS || mem == nil {
		return nil, clError(op, status)
	}
	return &openclBuffer{id: mem, size: size, flags: flags}, nil
}

func (c *openclContext) Release() error {
	var err error
	c.once.Do(func() {
		if status := C.clReleaseContext(c.id); status != C.CL_SUCCESS {
			err = clError("clReleaseContext", status)
		}
	})
	return err
}

type openclBuffer struct {
	id    C.cl_mem
	size  int
	flags MemFlags
	once  sync.Once
}

func (b *openclBuffer) Len() int        { return b.size }
func (b *openclBuffer) Flags() MemFlags { return b.flags }

func (b *openclBuffer) Release() error {
	var err error
	b.once.Do(func() {
		if status := C.clReleaseMemObject(b.id); status != C.CL_SUCCESS {
			err = clError("clReleaseMemObject", status)
		}
	})
	return err
}

type openclProgram struct {
	name string
	id   C.cl_program
	dev  C.cl_device_id
	once sync.Once

	mu  sync.Mutex
	log string
}

func (p *openclProgram) Build(options string) error {
	var copts *C.char
	if options != "" {
		copts = C.CString(options)
		defer C.free(unsafe.Pointer(copts))
	}
	dev := p.dev
	status := C.clBuildProgram(p.id, 1, &dev, copts, nil, nil)

	p.mu.Lock()
	p.log = p.fetchBuildLog()
	p.mu.Unlock()

	if status != C.CL_SUCCESS {
		return clError("clBuildProgram", status)
	}
	return nil
}

func (p *openclProgram) fetchBuildLog() string {
	var size C.size_t
	if C.clGetProgramBuildInfo(p.id, p.dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(p.id, p.dev, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

func (p *openclProgram) BuildLog() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

func (p *openclProgram) CreateKernel(name string) (Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var status C.cl_int
	k := C.clCreateKernel(p.id, cname, &status)
	if status != C.CL_SUCCESS || k == nil {
		return nil, clError("clCreateKernel", status)
	}
	var nargs C.cl_uint
	C.clGetKernelInfo(k, C.CL_KERNEL_NUM_ARGS, C.size_t(unsafe.Sizeof(nargs)), unsafe.Pointer(&nargs), nil)
	return &openclKernel{name: name, id: k, nargs: int(nargs)}, nil
}

func (p *openclProgram) Release() error {
	var err error
	p.once.Do(func() {
		if status := C.clReleaseProgram(p.id); status != C.CL_SUCCESS {
			err = clError("clReleaseProgram", status)
		}
	})
	return err
}

type openclKernel struct {
	name  string
	id    C.cl_kernel
	nargs int
	once  sync.Once
}

func (k *openclKernel) Name() string { return k.name }
func (k *openclKernel) NumArgs() int { return k.nargs }

func (k *openclKernel) SetArg(index int, value any) error {
	const op = "clSetKernelArg"
	var status C.cl_int
	switch v := value.(type) {
	case *openclBuffer:
		mem := v.id
		status = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case int32:
		cv := C.cl_int(v)
		status = C.clSetKernelArg(k.id, C.cl_uint(index), C.size_t(unsafe.Sizeof(cv)), unsafe.Pointer(&cv))
	default:
		return newStatusError(op, StatusInvalidArgValue, "unsupported argument type %T", value)
	}
	if status != C.CL_SUCCESS {
		return clError(op, status)
	}
	return nil
}

func (k *openclKernel) Release() error {
	var err error
	k.once.Do(func() {
		if status := C.clReleaseKernel(k.id); status != C.CL_SUCCESS {
			err = clError("clReleaseKernel", status)
		}
	})
	return err
}

type openclQueue struct {
	id   C.cl_command_queue
	once sync.Once
}

func (q *openclQueue) EnqueueNDRangeKernel(ctx context.Context, kernel Kernel, global, local NDRange) error {
	const op = "clEnqueueNDRangeKernel"
	if err := ctx.Err(); err != nil {
		return err
	}
	k, ok := kernel.(*openclKernel)
	if !ok {
		return newStatusError(op, StatusInvalidKernel, "kernel %T is not an OpenCL kernel", kernel)
	}
	gws := [2]C.size_t{C.size_t(global.X), C.size_t(global.Y)}
	lws := [2]C.size_t{C.size_t(local.X), C.size_t(local.Y)}
	if status := C.clEnqueueNDRangeKernel(q.id, k.id, 2, nil, &gws[0], &lws[0], 0, nil, nil); status != C.CL_SUCCESS {
		return clError(op, status)
	}
	return nil
}

// EnqueueReadBuffer only supports blocking reads: the destination is Go memory and
// must not be referenced by the driver once the call returns.
func (q *openclQueue) EnqueueReadBuffer(ctx context.Context, buffer Buffer, blocking bool, dst []float32) error {
	const op = "clEnqueueReadBuffer"
	if err := ctx.Err(); err != nil {
		return err
	}
	b, ok := buffer.(*openclBuffer)
	if !ok {
		return newStatusError(op, StatusInvalidMemObject, "buffer %T is not an OpenCL buffer", buffer)
	}
	if !blocking {
		return newStatusError(op, StatusInvalidOperation, "non-blocking reads into Go memory are not supported")
	}
	if len(dst) < b.size {
		return newStatusError(op, StatusInvalidValue, "destination holds %d elements, buffer has %d", len(dst), b.size)
	}
	status := C.clEnqueueReadBuffer(q.id, b.id, C.CL_TRUE, 0, C.size_t(b.size*4), unsafe.Pointer(&dst[0]), 0, nil, nil)
	if status != C.CL_SUCCESS {
		return clError(op, status)
	}
	return nil
}

func (q *openclQueue) Finish() error {
	if status := C.clFinish(q.id); status != C.CL_SUCCESS {
		return clError("clFinish", status)
	}
	return nil
}

func (q *openclQueue) Release() error {
	var err error
	q.once.Do(func() {
		if status := C.clReleaseCommandQueue(q.id); status != C.CL_SUCCESS {
			err = clError("clReleaseCommandQueue", status)
		}
	})
	return err
}
