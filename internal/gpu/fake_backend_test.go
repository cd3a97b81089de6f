package gpu

import (
	"context"
	"errors"
	"sync"
)

// fakeBackend presents the host device under another name and type, optionally
// failing at a chosen step.
type fakeBackend struct {
	name     string
	kind     DeviceType
	platform string
	host     *HostBackend

	platformsErr error
	contextErr   error
	queueErr     error
	bufferErr    error
	argErr       error
	ndrangeErr   error
	readErr      error

	// numArgs overrides the parameter count kernels report; innerDim overrides the
	// innerDim argument actually bound.
	numArgs  int
	innerDim int32

	mu       sync.Mutex
	contexts []*fakeContext
}

func newFakeBackend(name string, kind DeviceType) *fakeBackend {
	return &fakeBackend{name: name, kind: kind, platform: "Fake " + name, host: NewHostBackend(nil)}
}

func (f *fakeBackend) Name() string      { return f.name }
func (f *fakeBackend) IsAvailable() bool { return true }

func (f *fakeBackend) Platforms() ([]PlatformInfo, error) {
	if f.platformsErr != nil {
		return nil, f.platformsErr
	}
	device := f.host.deviceInfo()
	device.Backend = f.name
	device.Platform = f.platform
	device.Type = f.kind
	device.Name = "Fake " + string(f.kind)
	return []PlatformInfo{{Backend: f.name, Name: f.platform, Devices: []DeviceInfo{device}}}, nil
}

func (f *fakeBackend) CreateContext(device DeviceInfo) (Context, error) {
	if f.contextErr != nil {
		return nil, f.contextErr
	}
	inner, err := f.host.CreateContext(f.host.deviceInfo())
	if err != nil {
		return nil, err
	}
	c := &fakeContext{Context: inner, backend: f}
	f.mu.Lock()
	f.contexts = append(f.contexts, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeBackend) lastContext() *fakeContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.contexts) == 0 {
		return nil
	}
	return f.contexts[len(f.contexts)-1]
}

type fakeContext struct {
	Context
	backend *fakeBackend

	mu       sync.Mutex
	buffers  int
	released bool
}

func (c *fakeContext) CreateCommandQueue() (CommandQueue, error) {
	if c.backend.queueErr != nil {
		return nil, c.backend.queueErr
	}
	q, err := c.Context.CreateCommandQueue()
	if err != nil {
		return nil, err
	}
	return &fakeQueue{CommandQueue: q, backend: c.backend}, nil
}

func (c *fakeContext) CreateProgramWithSource(name, source string) (Program, error) {
	p, err := c.Context.CreateProgramWithSource(name, source)
	if err != nil {
		return nil, err
	}
	return &fakeProgram{Program: p, backend: c.backend}, nil
}

func (c *fakeContext) CreateBuffer(flags MemFlags, size int, host []float32) (Buffer, error) {
	c.mu.Lock()
	c.buffers++
	c.mu.Unlock()
	if c.backend.bufferErr != nil {
		return nil, c.backend.bufferErr
	}
	return c.Context.CreateBuffer(flags, size, host)
}

func (c *fakeContext) Release() error {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
	return c.Context.Release()
}

func (c *fakeContext) bufferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffers
}

func (c *fakeContext) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeProgram struct {
	Program
	backend *fakeBackend
}

func (p *fakeProgram) CreateKernel(name string) (Kernel, error) {
	k, err := p.Program.CreateKernel(name)
	if err != nil {
		return nil, err
	}
	return &fakeKernel{Kernel: k, backend: p.backend}, nil
}

type fakeKernel struct {
	Kernel
	backend *fakeBackend
}

func (k *fakeKernel) NumArgs() int {
	if k.backend.numArgs > 0 {
		return k.backend.numArgs
	}
	return k.Kernel.NumArgs()
}

func (k *fakeKernel) SetArg(index int, value any) error {
	if k.backend.argErr != nil {
		return k.backend.argErr
	}
	if index == 3 && k.backend.innerDim != 0 {
		value = k.backend.innerDim
	}
	return k.Kernel.SetArg(index, value)
}

type fakeQueue struct {
	CommandQueue
	backend *fakeBackend
}

func (q *fakeQueue) EnqueueNDRangeKernel(ctx context.Context, kernel Kernel, global, local NDRange) error {
	if q.backend.ndrangeErr != nil {
		return q.backend.ndrangeErr
	}
	if k, ok := kernel.(*fakeKernel); ok {
		kernel = k.Kernel
	}
	return q.CommandQueue.EnqueueNDRangeKernel(ctx, kernel, global, local)
}

func (q *fakeQueue) EnqueueReadBuffer(ctx context.Context, buffer Buffer, blocking bool, dst []float32) error {
	if q.backend.readErr != nil {
		return q.backend.readErr
	}
	return q.CommandQueue.EnqueueReadBuffer(ctx, buffer, blocking, dst)
}

var errFakeDriver = errors.New("fake driver failure")
