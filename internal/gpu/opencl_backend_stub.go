//go:build !opencl || !cgo

package gpu

// tryCreateOpenCLBackend returns nil when built without the opencl tag
func (m *Manager) tryCreateOpenCLBackend() Backend {
	return nil
}
