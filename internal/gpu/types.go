package gpu

import (
	"fmt"
	"strings"
)

// DeviceType describes the class of a compute device.
type DeviceType string

const (
	DeviceTypeGPU         DeviceType = "gpu"
	DeviceTypeCPU         DeviceType = "cpu"
	DeviceTypeAccelerator DeviceType = "accelerator"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// ParseDeviceType parses a device type name. The empty string yields "".
func ParseDeviceType(s string) (DeviceType, error) {
	switch t := DeviceType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", DeviceTypeGPU, DeviceTypeCPU, DeviceTypeAccelerator:
		return t, nil
	default:
		return "", fmt.Errorf("unknown device type: %q", s)
	}
}

// DeviceInfo contains information about a compute device
type DeviceInfo struct {
	Backend          string     `json:"backend"`
	Platform         string     `json:"platform"`
	PlatformIndex    int        `json:"platformIndex"`
	Index            int        `json:"index"`
	Name             string     `json:"name"`
	Vendor           string     `json:"vendor"`
	Version          string     `json:"version"`
	DriverVersion    string     `json:"driverVersion"`
	Type             DeviceType `json:"type"`
	MaxComputeUnits  int        `json:"maxComputeUnits"`
	MaxWorkGroupSize int        `json:"maxWorkGroupSize"`
	TotalMemory      int64      `json:"totalMemory"`     // in bytes
	AvailableMemory  int64      `json:"availableMemory"` // in bytes
}

// PlatformInfo captures metadata about a platform and its devices.
type PlatformInfo struct {
	Backend string       `json:"backend"`
	Index   int          `json:"index"`
	Name    string       `json:"name"`
	Vendor  string       `json:"vendor"`
	Version string       `json:"version"`
	Devices []DeviceInfo `json:"devices"`
}

// MemFlags describe how a buffer is accessed and initialized.
type MemFlags uint32

const (
	MemReadWrite MemFlags = 1 << iota
	MemWriteOnly
	MemReadOnly
	MemCopyHostPtr
)

// Readable reports whether kernels may read the buffer.
func (f MemFlags) Readable() bool {
	return f&MemWriteOnly == 0
}

// Writable reports whether kernels may write the buffer.
func (f MemFlags) Writable() bool {
	return f&MemReadOnly == 0
}

func (f MemFlags) String() string {
	var parts []string
	switch {
	case f&MemReadOnly != 0:
		parts = append(parts, "read-only")
	case f&MemWriteOnly != 0:
		parts = append(parts, "write-only")
	default:
		parts = append(parts, "read-write")
	}
	if f&MemCopyHostPtr != 0 {
		parts = append(parts, "copy-host-ptr")
	}
	return strings.Join(parts, "|")
}

// NDRange is a 2-D work size; X is the fastest varying dimension (columns).
type NDRange struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// Size returns the number of work-items in the range.
func (r NDRange) Size() int {
	return r.X * r.Y
}

func (r NDRange) String() string {
	return fmt.Sprintf("%dx%d", r.X, r.Y)
}
