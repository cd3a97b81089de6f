package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DeviceSelector chooses a device during acquisition.
type DeviceSelector struct {
	// Type is the preferred device type; empty accepts any device.
	Type DeviceType
	// Fallback is tried when no device of Type exists; empty disables fallback.
	Fallback DeviceType
	// Platform, when set, restricts the search to platforms whose name contains it
	// (case-insensitive).
	Platform string
}

func (s DeviceSelector) candidates() []DeviceType {
	types := []DeviceType{s.Type}
	if s.Fallback != "" && s.Fallback != s.Type {
		types = append(types, s.Fallback)
	}
	return types
}

func (s DeviceSelector) String() string {
	kind := string(s.Type)
	if kind == "" {
		kind = "any"
	}
	if s.Fallback != "" && s.Fallback != s.Type {
		kind += " or " + string(s.Fallback)
	}
	if s.Platform != "" {
		kind += fmt.Sprintf(" on platform %q", s.Platform)
	}
	return kind
}

// Manager handles backend selection and tracks open sessions
type Manager struct {
	backends []Backend
	sessions map[*Session]struct{}
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewManager creates a manager with every backend available in this build: OpenCL
// first (when compiled with the opencl tag and a platform is installed), then the host.
func NewManager(logger *zap.Logger, hostOpts ...HostOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:   logger.Named("gpu"),
		sessions: make(map[*Session]struct{}),
	}
	m.detectBackends(hostOpts)
	return m
}

// NewManagerWithBackends creates a manager over an explicit list of backends, in
// order of preference.
func NewManagerWithBackends(logger *zap.Logger, backends ...Backend) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("gpu"),
		backends: backends,
		sessions: make(map[*Session]struct{}),
	}
}

func (m *Manager) detectBackends(hostOpts []HostOption) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b := m.tryCreateOpenCLBackend(); b != nil && b.IsAvailable() {
		m.backends = append(m.backends, b)
	}
	m.backends = append(m.backends, NewHostBackend(m.logger, hostOpts...))
}

// Backends returns the registered backends in order of preference.
func (m *Manager) Backends() []Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Backend(nil), m.backends...)
}

func (m *Manager) backend(name string) Backend {
	for _, b := range m.Backends() {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// Platforms enumerates platforms across all available backends. A backend that fails
// to enumerate is skipped; it is an error only if no platform is found at all.
func (m *Manager) Platforms() ([]PlatformInfo, error) {
	var platforms []PlatformInfo
	var errs error
	for _, b := range m.Backends() {
		if !b.IsAvailable() {
			continue
		}
		ps, err := b.Platforms()
		if err != nil {
			m.logger.Warn("Platform enumeration failed", zap.String("backend", b.Name()), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		platforms = append(platforms, ps...)
	}
	if len(platforms) == 0 {
		if errs == nil {
			errs = newStatusError("clGetPlatformIDs", StatusPlatformNotFoundKHR, "no compute platforms found")
		}
		return nil, newError(StagePlatformEnumeration, errs)
	}
	return platforms, nil
}

// Devices returns every device of every platform.
func (m *Manager) Devices() ([]DeviceInfo, error) {
	platforms, err := m.Platforms()
	if err != nil {
		return nil, err
	}
	return lo.FlatMap(platforms, func(p PlatformInfo, _ int) []DeviceInfo {
		return p.Devices
	}), nil
}

// AcquireDevice picks the first device matching the selector's type, then its
// fallback type. There is no retry: if nothing matches it fails with
// StageDeviceAcquisition.
func (m *Manager) AcquireDevice(sel DeviceSelector) (Backend, DeviceInfo, error) {
	devices, err := m.Devices()
	if err != nil {
		return nil, DeviceInfo{}, err
	}
	if sel.Platform != "" {
		want := strings.ToLower(sel.Platform)
		devices = lo.Filter(devices, func(d DeviceInfo, _ int) bool {
			return strings.Contains(strings.ToLower(d.Platform), want)
		})
	}

	for i, kind := range sel.candidates() {
		matches := lo.Filter(devices, func(d DeviceInfo, _ int) bool {
			return kind == "" || d.Type == kind
		})
		if len(matches) == 0 {
			continue
		}
		device := matches[0]
		backend := m.backend(device.Backend)
		if backend == nil {
			continue
		}
		if i > 0 {
			m.logger.Warn("Preferred device type not found, using fallback",
				zap.String("preferred", string(sel.Type)),
				zap.String("fallback", string(kind)))
		}
		m.logger.Info("Acquired compute device",
			zap.String("backend", device.Backend),
			zap.String("platform", device.Platform),
			zap.String("device", device.Name),
			zap.String("type", string(device.Type)))
		return backend, device, nil
	}

	return nil, DeviceInfo{}, newError(StageDeviceAcquisition,
		newStatusError("clGetDeviceIDs", StatusDeviceNotFound, "no %s device found", sel))
}

// IsGPUAvailable returns true if any backend exposes a GPU device
func (m *Manager) IsGPUAvailable() bool {
	devices, err := m.Devices()
	if err != nil {
		return false
	}
	return lo.ContainsBy(devices, func(d DeviceInfo) bool { return d.Type == DeviceTypeGPU })
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s] = struct{}{}
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
}

// OpenSessions returns the number of sessions not yet closed.
func (m *Manager) OpenSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Cleanup closes every session still open.
func (m *Manager) Cleanup() error {
	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	var err error
	for _, s := range open {
		err = multierr.Append(err, s.Close())
	}
	return err
}
