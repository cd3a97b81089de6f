package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

const (
	hostBackendName          = "host"
	hostPlatformName         = "Go Host Runtime"
	hostDefaultMaxWorkGroup  = 1024
	hostDefaultBufferElemLen = 4
)

// HostBackend implements Backend with a Go-native device that runs kernels on the
// CPU. It is always available and serves as the fallback when no OpenCL device is.
type HostBackend struct {
	logger           *zap.Logger
	computeUnits     int
	maxWorkGroupSize int
}

// HostOption configures a HostBackend.
type HostOption func(*HostBackend)

// WithComputeUnits limits how many work-groups run concurrently.
func WithComputeUnits(n int) HostOption {
	return func(h *HostBackend) {
		if n > 0 {
			h.computeUnits = n
		}
	}
}

// WithMaxWorkGroupSize sets the largest number of work-items accepted per work-group.
func WithMaxWorkGroupSize(n int) HostOption {
	return func(h *HostBackend) {
		if n > 0 {
			h.maxWorkGroupSize = n
		}
	}
}

// NewHostBackend creates a new host backend instance
func NewHostBackend(logger *zap.Logger, opts ...HostOption) *HostBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HostBackend{
		logger:           logger.Named("host"),
		computeUnits:     runtime.GOMAXPROCS(0),
		maxWorkGroupSize: hostDefaultMaxWorkGroup,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns "host".
func (h *HostBackend) Name() string {
	return hostBackendName
}

// IsAvailable checks if the backend is available (always true for the host)
func (h *HostBackend) IsAvailable() bool {
	return true
}

// Platforms returns the single host platform with its single CPU device.
func (h *HostBackend) Platforms() ([]PlatformInfo, error) {
	return []PlatformInfo{{
		Backend: hostBackendName,
		Index:   0,
		Name:    hostPlatformName,
		Vendor:  "fxnlabs",
		Version: "OpenCL C 1.2 subset",
		Devices: []DeviceInfo{h.deviceInfo()},
	}}, nil
}

func (h *HostBackend) deviceInfo() DeviceInfo {
	total, available := systemMemory()
	return DeviceInfo{
		Backend:          hostBackendName,
		Platform:         hostPlatformName,
		PlatformIndex:    0,
		Index:            0,
		Name:             fmt.Sprintf("Host CPU (%s/%s)", runtime.GOOS, runtime.GOARCH),
		Vendor:           "fxnlabs",
		Version:          "OpenCL C 1.2 subset",
		DriverVersion:    runtime.Version(),
		Type:             DeviceTypeCPU,
		MaxComputeUnits:  h.computeUnits,
		MaxWorkGroupSize: h.maxWorkGroupSize,
		TotalMemory:      total,
		AvailableMemory:  available,
	}
}

// CreateContext creates a context on the host device.
func (h *HostBackend) CreateContext(device DeviceInfo) (Context, error) {
	if device.Backend != hostBackendName || device.PlatformIndex != 0 || device.Index != 0 {
		return nil, newStatusError("clCreateContext", StatusInvalidDevice, "device %q does not belong to the host platform", device.Name)
	}
	h.logger.Debug("Creating host context", zap.String("device", device.Name))
	return &hostContext{
		backend: h,
		device:  h.deviceInfo(),
	}, nil
}

type hostContext struct {
	backend  *HostBackend
	device   DeviceInfo
	mu       sync.Mutex
	released bool
}

func (c *hostContext) Device() DeviceInfo {
	return c.device
}

func (c *hostContext) checkAlive(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return newStatusError(op, StatusInvalidContext, "context has been released")
	}
	return nil
}

func (c *hostContext) CreateCommandQueue() (CommandQueue, error) {
	if err := c.checkAlive("clCreateCommandQueue"); err != nil {
		return nil, err
	}
	return newHostQueue(c), nil
}

func (c *hostContext) CreateProgramWithSource(name, source string) (Program, error) {
	if err := c.checkAlive("clCreateProgramWithSource"); err != nil {
		return nil, err
	}
	if source == "" {
		return nil, newStatusError("clCreateProgramWithSource", StatusInvalidValue, "empty program source")
	}
	return &hostProgram{context: c, name: name, source: source}, nil
}

func (c *hostContext) CreateBuffer(flags MemFlags, size int, host []float32) (Buffer, error) {
	const op = "clCreateBuffer"
	if err := c.checkAlive(op); err != nil {
		return nil, err
	}
	if flags&MemReadOnly != 0 && flags&MemWriteOnly != 0 {
		return nil, newStatusError(op, StatusInvalidValue, "buffer cannot be both read-only and write-only")
	}
	if size <= 0 {
		return nil, newStatusError(op, StatusInvalidBufferSize, "size %d", size)
	}
	if total := c.device.TotalMemory; total > 0 && int64(size)*hostDefaultBufferElemLen > total {
		return nil, newStatusError(op, StatusInvalidBufferSize, "%d bytes exceeds device memory", int64(size)*hostDefaultBufferElemLen)
	}
	copyHost := flags&MemCopyHostPtr != 0
	if copyHost && len(host) < size {
		return nil, newStatusError(op, StatusInvalidHostPtr, "host slice holds %d elements, need %d", len(host), size)
	}
	if !copyHost && host != nil {
		return nil, newStatusError(op, StatusInvalidHostPtr, "host slice given without copy-host-ptr")
	}

	b := &hostBuffer{context: c, flags: flags, data: make([]float32, size)}
	if copyHost {
		copy(b.data, host[:size])
	}
	return b, nil
}

func (c *hostContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	return nil
}

type hostBuffer struct {
	context *hostContext
	flags   MemFlags
	mu      sync.Mutex
	data    []float32
}

func (b *hostBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *hostBuffer) Flags() MemFlags {
	return b.flags
}

// storage returns the backing slice, or nil once released.
func (b *hostBuffer) storage() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *hostBuffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}
