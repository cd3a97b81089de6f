package gpu

import (
	"errors"
	"fmt"
)

// Stage identifies the step of the compute pipeline that failed.
type Stage int

const (
	StagePlatformEnumeration Stage = iota + 1
	StageDeviceAcquisition
	StageContextCreation
	StageCommandQueueCreation
	StageKernelSourceLoad
	StageProgramBuild
	StageKernelCreation
	StageMemoryAllocation
	StageArgumentBinding
	StageKernelDispatch
	StageResultReadback
	// StageInvalidConfiguration is a caller error caught before any device call.
	StageInvalidConfiguration
)

var stageNames = map[Stage]string{
	StagePlatformEnumeration:  "PlatformEnumerationFailure",
	StageDeviceAcquisition:    "DeviceAcquisitionFailure",
	StageContextCreation:      "ContextCreationFailure",
	StageCommandQueueCreation: "CommandQueueCreationFailure",
	StageKernelSourceLoad:     "KernelSourceLoadFailure",
	StageProgramBuild:         "ProgramBuildFailure",
	StageKernelCreation:       "KernelCreationFailure",
	StageMemoryAllocation:     "DeviceMemoryAllocationFailure",
	StageArgumentBinding:      "KernelArgumentBindingFailure",
	StageKernelDispatch:       "KernelDispatchFailure",
	StageResultReadback:       "ResultReadbackFailure",
	StageInvalidConfiguration: "InvalidConfiguration",
}

var stageMessages = map[Stage]string{
	StagePlatformEnumeration:  "failed to enumerate compute platforms",
	StageDeviceAcquisition:    "failed to create a device group",
	StageContextCreation:      "failed to create a compute context",
	StageCommandQueueCreation: "failed to create a command queue",
	StageKernelSourceLoad:     "failed to read kernel source",
	StageProgramBuild:         "failed to build program executable",
	StageKernelCreation:       "failed to create compute kernel",
	StageMemoryAllocation:     "failed to allocate device memory",
	StageArgumentBinding:      "failed to set kernel arguments",
	StageKernelDispatch:       "failed to execute kernel",
	StageResultReadback:       "failed to read output array",
	StageInvalidConfiguration: "invalid compute configuration",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Message is the human-readable diagnostic for a failure in this stage.
func (s Stage) Message() string {
	if msg, ok := stageMessages[s]; ok {
		return msg
	}
	return "compute failure"
}

// Error is a pipeline failure tagged with the stage it happened in.
type Error struct {
	Stage Stage
	// Code is the device status code, or 0 when the failure did not come from the device.
	Code int32
	// BuildLog holds the compiler output for StageProgramBuild failures.
	BuildLog string
	Err      error
}

func newError(stage Stage, err error) *Error {
	e := &Error{Stage: stage, Err: err}
	var status *StatusError
	if errors.As(err, &status) {
		e.Code = status.Code
	}
	return e
}

func configError(format string, args ...any) *Error {
	return newError(StageInvalidConfiguration, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Stage.Message()
	}
	return fmt.Sprintf("%s: %v", e.Stage.Message(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same stage, so errors.Is(err, &Error{Stage: s}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Stage == e.Stage
}

// StageOf returns the stage of the first *Error in err's chain.
func StageOf(err error) (Stage, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage, true
	}
	return 0, false
}

// BuildLogOf returns the compiler output carried by err, if any.
func BuildLogOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.BuildLog
	}
	return ""
}
