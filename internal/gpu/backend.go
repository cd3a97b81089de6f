package gpu

import "context"

// Backend is a compute runtime exposing platforms and devices the way OpenCL does.
// Implementations exist for a real OpenCL installation (build tag "opencl") and for a
// Go-native host device that is always available.
//
// Implementation notes:
//   - Backends report failures as *StatusError carrying an OpenCL status code
//   - The Session, not the backend, maps failures onto pipeline stages
//   - Objects created by a backend must be released by their owner
type Backend interface {
	// Name identifies the backend ("opencl", "host").
	Name() string

	// IsAvailable performs a quick check without heavy initialization.
	IsAvailable() bool

	// Platforms enumerates the platforms and their devices.
	Platforms() ([]PlatformInfo, error)

	// CreateContext creates a compute context on one device previously reported
	// by Platforms.
	CreateContext(device DeviceInfo) (Context, error)
}

// Context owns device memory, programs and command queues for one device.
type Context interface {
	Device() DeviceInfo

	// CreateCommandQueue creates an in-order command queue.
	CreateCommandQueue() (CommandQueue, error)

	// CreateProgramWithSource creates an unbuilt program from OpenCL C source.
	// name is used for diagnostics only.
	CreateProgramWithSource(name, source string) (Program, error)

	// CreateBuffer allocates device memory for size float32 elements. With
	// MemCopyHostPtr, host is copied into the buffer before CreateBuffer returns.
	CreateBuffer(flags MemFlags, size int, host []float32) (Buffer, error)

	Release() error
}

// Program is a compute program created from source.
type Program interface {
	// Build compiles the program for the context's device.
	Build(options string) error

	// BuildLog returns the compiler output of the last Build.
	BuildLog() string

	// CreateKernel resolves a built entry point by name.
	CreateKernel(name string) (Kernel, error)

	Release() error
}

// Kernel is a resolved entry point with its argument bindings. Kernels are not safe
// for concurrent use: arguments are shared state.
type Kernel interface {
	Name() string

	// NumArgs returns the number of declared parameters.
	NumArgs() int

	// SetArg binds a Buffer or an int32 to the parameter at index.
	SetArg(index int, value any) error

	Release() error
}

// Buffer is a region of device-global memory holding float32 elements.
type Buffer interface {
	Len() int
	Flags() MemFlags
	Release() error
}

// CommandQueue submits commands to a device in order.
type CommandQueue interface {
	// EnqueueNDRangeKernel enqueues a kernel over a 2-D global range partitioned into
	// work-groups of the local shape. Validation failures are returned immediately;
	// execution failures surface on the next blocking command.
	EnqueueNDRangeKernel(ctx context.Context, kernel Kernel, global, local NDRange) error

	// EnqueueReadBuffer copies buffer contents into dst. With blocking set it returns
	// once the read, and every command enqueued before it, has completed.
	EnqueueReadBuffer(ctx context.Context, buffer Buffer, blocking bool, dst []float32) error

	// Finish blocks until all enqueued commands have completed.
	Finish() error

	Release() error
}
