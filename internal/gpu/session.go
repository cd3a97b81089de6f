package gpu

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxnlabs/clmatmul/internal/matrix"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultLocalWorkSize is the work-group shape used when none is given.
var DefaultLocalWorkSize = NDRange{X: 16, Y: 16}

// matrixMulArgs is the number of parameters of the matrixMul entry point:
// (C, A, B, innerDim, outputStride).
const matrixMulArgs = 5

// Session owns the device handles of one compute pipeline: context, command queue
// and the programs and kernels built in it. Close releases everything, whichever
// way the session ends.
type Session struct {
	manager *Manager
	logger  *zap.Logger
	backend Backend
	device  DeviceInfo
	context Context
	queue   CommandQueue

	mu      sync.Mutex
	kernels []*CompiledKernel
	closed  bool
}

// CompiledKernel is a built program together with one resolved entry point.
type CompiledKernel struct {
	Name   string
	Source string

	session *Session
	program Program
	kernel  Kernel
}

func (k *CompiledKernel) release() error {
	return multierr.Append(k.kernel.Release(), k.program.Release())
}

// DispatchOptions sets the NDRange of a dispatch. Zero values select the output
// extent for Global and DefaultLocalWorkSize for Local.
type DispatchOptions struct {
	Global NDRange
	Local  NDRange
}

// OpenSession acquires a device and creates its context and command queue. On failure
// everything created so far is released before returning.
func (m *Manager) OpenSession(sel DeviceSelector) (*Session, error) {
	backend, device, err := m.AcquireDevice(sel)
	if err != nil {
		return nil, err
	}

	s := &Session{
		manager: m,
		logger:  m.logger.Named("session"),
		backend: backend,
		device:  device,
	}

	s.context, err = backend.CreateContext(device)
	if err != nil {
		return nil, newError(StageContextCreation, err)
	}
	s.queue, err = s.context.CreateCommandQueue()
	if err != nil {
		s.abandon()
		return nil, newError(StageCommandQueueCreation, err)
	}

	m.track(s)
	s.logger.Debug("Session opened", zap.String("device", device.Name))
	return s, nil
}

// abandon tears down a session that never became usable.
func (s *Session) abandon() {
	if err := s.teardown(); err != nil {
		s.logger.Warn("Failed to release partially created session", zap.Error(err))
	}
}

// Device returns the device the session runs on.
func (s *Session) Device() DeviceInfo {
	return s.device
}

// BackendName returns the name of the backend the session runs on.
func (s *Session) BackendName() string {
	return s.backend.Name()
}

// BuildKernelFromFile loads kernel source from path and builds entry.
func (s *Session) BuildKernelFromFile(path, entry string) (*CompiledKernel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(StageKernelSourceLoad, err)
	}
	if len(data) == 0 {
		return nil, newError(StageKernelSourceLoad, errors.New(path+" is empty"))
	}
	return s.BuildKernel(filepath.Base(path), string(data), entry)
}

// BuildKernel compiles source for the session's device and resolves the named entry
// point. Compilation failures carry the device compiler's build log.
func (s *Session) BuildKernel(name, source, entry string) (*CompiledKernel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, configError("session is closed")
	}
	if entry == "" {
		return nil, configError("kernel entry point name is empty")
	}

	program, err := s.context.CreateProgramWithSource(name, source)
	if err != nil {
		return nil, newError(StageProgramBuild, err)
	}
	if err := program.Build(""); err != nil {
		e := newError(StageProgramBuild, err)
		e.BuildLog = program.BuildLog()
		s.releaseQuietly(program)
		return nil, e
	}
	kernel, err := program.CreateKernel(entry)
	if err != nil {
		s.releaseQuietly(program)
		return nil, newError(StageKernelCreation, err)
	}

	k := &CompiledKernel{
		Name:    entry,
		Source:  name,
		session: s,
		program: program,
		kernel:  kernel,
	}
	s.kernels = append(s.kernels, k)
	s.logger.Debug("Kernel built", zap.String("source", name), zap.String("entry", entry))
	return k, nil
}

type releaser interface {
	Release() error
}

func (s *Session) releaseQuietly(r releaser) {
	if err := r.Release(); err != nil {
		s.logger.Warn("Failed to release device object", zap.Error(err))
	}
}

// Dispatch computes C = A·B with a matrixMul kernel. It uploads A and B, allocates a
// write-only C, binds (C, A, B, innerDim, outputStride), enqueues the NDRange and
// blocks on reading C back. Shapes and work sizes are validated before any device
// call. Dispatches on one session are serialized.
func (s *Session) Dispatch(ctx context.Context, k *CompiledKernel, a, b *matrix.Matrix, opts DispatchOptions) (*matrix.Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, configError("session is closed")
	}
	if k == nil || k.session != s {
		return nil, configError("kernel was not built in this session")
	}
	if err := a.Validate(); err != nil {
		return nil, configError("matrix A: %v", err)
	}
	if err := b.Validate(); err != nil {
		return nil, configError("matrix B: %v", err)
	}
	outShape, err := matrix.ProductShape(a.Shape(), b.Shape())
	if err != nil {
		return nil, configError("%v", err)
	}
	for _, n := range []int{len(a.Data), len(b.Data), outShape.Len()} {
		if n > math.MaxInt32 {
			return nil, configError("matrix of %d elements cannot be indexed by the kernel", n)
		}
	}

	global, local := opts.Global, opts.Local
	if global == (NDRange{}) {
		global = NDRange{X: outShape.Cols, Y: outShape.Rows}
	}
	if local == (NDRange{}) {
		local = DefaultLocalWorkSize
	}
	if err := ValidateWorkSize(global, local); err != nil {
		return nil, err
	}
	if global.X != outShape.Cols || global.Y != outShape.Rows {
		return nil, configError("global work size %s does not match the %dx%d output", global, outShape.Cols, outShape.Rows)
	}
	if n := k.kernel.NumArgs(); n != matrixMulArgs {
		return nil, newError(StageArgumentBinding,
			newStatusError("clSetKernelArg", StatusInvalidKernelArgs, "kernel %s takes %d arguments, expected %d", k.Name, n, matrixMulArgs))
	}

	dA, err := s.context.CreateBuffer(MemReadOnly|MemCopyHostPtr, len(a.Data), a.Data)
	if err != nil {
		return nil, newError(StageMemoryAllocation, err)
	}
	defer s.releaseQuietly(dA)
	dB, err := s.context.CreateBuffer(MemReadOnly|MemCopyHostPtr, len(b.Data), b.Data)
	if err != nil {
		return nil, newError(StageMemoryAllocation, err)
	}
	defer s.releaseQuietly(dB)
	dC, err := s.context.CreateBuffer(MemWriteOnly, outShape.Len(), nil)
	if err != nil {
		return nil, newError(StageMemoryAllocation, err)
	}
	defer s.releaseQuietly(dC)

	args := []any{dC, dA, dB, int32(a.Cols), int32(b.Cols)}
	for i, arg := range args {
		if err := k.kernel.SetArg(i, arg); err != nil {
			return nil, newError(StageArgumentBinding, err)
		}
	}

	s.logger.Debug("Dispatching kernel",
		zap.String("kernel", k.Name),
		zap.Stringer("a", a.Shape()),
		zap.Stringer("b", b.Shape()),
		zap.Stringer("global", global),
		zap.Stringer("local", local))

	if err := s.queue.EnqueueNDRangeKernel(ctx, k.kernel, global, local); err != nil {
		return nil, newError(StageKernelDispatch, err)
	}

	c := matrix.Zeros(outShape)
	if err := s.queue.EnqueueReadBuffer(ctx, dC, true, c.Data); err != nil {
		// Kernel execution failures only surface once the queue is drained, and a
		// cancelled read-back is still waiting on the kernel.
		var status *StatusError
		if (errors.As(err, &status) && status.Op == "clEnqueueNDRangeKernel") || isCancellation(err) {
			return nil, newError(StageKernelDispatch, err)
		}
		return nil, newError(StageResultReadback, err)
	}
	return c, nil
}

// Close releases kernels, programs, the command queue and the context in reverse
// order of creation. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.teardown()
	s.manager.forget(s)
	s.logger.Debug("Session closed", zap.String("device", s.device.Name))
	return err
}

func (s *Session) teardown() error {
	var err error
	for i := len(s.kernels) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.kernels[i].release())
	}
	s.kernels = nil
	if s.queue != nil {
		err = multierr.Append(err, s.queue.Release())
		s.queue = nil
	}
	if s.context != nil {
		err = multierr.Append(err, s.context.Release())
		s.context = nil
	}
	return err
}
