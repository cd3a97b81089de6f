package gpu

import "fmt"

// OpenCL status codes. The host backend reports its failures with the same codes so
// diagnostics read the same regardless of the backend in use.
const (
	StatusSuccess                   int32 = 0
	StatusDeviceNotFound            int32 = -1
	StatusDeviceNotAvailable        int32 = -2
	StatusCompilerNotAvailable      int32 = -3
	StatusMemObjectAllocationFailed int32 = -4
	StatusOutOfResources            int32 = -5
	StatusOutOfHostMemory           int32 = -6
	StatusBuildProgramFailure       int32 = -11
	StatusInvalidValue              int32 = -30
	StatusInvalidDeviceType         int32 = -31
	StatusInvalidPlatform           int32 = -32
	StatusInvalidDevice             int32 = -33
	StatusInvalidContext            int32 = -34
	StatusInvalidCommandQueue       int32 = -36
	StatusInvalidHostPtr            int32 = -37
	StatusInvalidMemObject          int32 = -38
	StatusInvalidProgram            int32 = -44
	StatusInvalidProgramExecutable  int32 = -45
	StatusInvalidKernelName         int32 = -46
	StatusInvalidKernelDefinition   int32 = -47
	StatusInvalidKernel             int32 = -48
	StatusInvalidArgIndex           int32 = -49
	StatusInvalidArgValue           int32 = -50
	StatusInvalidArgSize            int32 = -51
	StatusInvalidKernelArgs         int32 = -52
	StatusInvalidWorkDimension      int32 = -53
	StatusInvalidWorkGroupSize      int32 = -54
	StatusInvalidWorkItemSize       int32 = -55
	StatusInvalidGlobalOffset       int32 = -56
	StatusInvalidOperation          int32 = -59
	StatusInvalidBufferSize         int32 = -61
	StatusInvalidGlobalWorkSize     int32 = -63
	StatusPlatformNotFoundKHR       int32 = -1001
)

var statusNames = map[int32]string{
	StatusSuccess:                   "CL_SUCCESS",
	StatusDeviceNotFound:            "CL_DEVICE_NOT_FOUND",
	StatusDeviceNotAvailable:        "CL_DEVICE_NOT_AVAILABLE",
	StatusCompilerNotAvailable:      "CL_COMPILER_NOT_AVAILABLE",
	StatusMemObjectAllocationFailed: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	StatusOutOfResources:            "CL_OUT_OF_RESOURCES",
	StatusOutOfHostMemory:           "CL_OUT_OF_HOST_MEMORY",
	StatusBuildProgramFailure:       "CL_BUILD_PROGRAM_FAILURE",
	StatusInvalidValue:              "CL_INVALID_VALUE",
	StatusInvalidDeviceType:         "CL_INVALID_DEVICE_TYPE",
	StatusInvalidPlatform:           "CL_INVALID_PLATFORM",
	StatusInvalidDevice:             "CL_INVALID_DEVICE",
	StatusInvalidContext:            "CL_INVALID_CONTEXT",
	StatusInvalidCommandQueue:       "CL_INVALID_COMMAND_QUEUE",
	StatusInvalidHostPtr:            "CL_INVALID_HOST_PTR",
	StatusInvalidMemObject:          "CL_INVALID_MEM_OBJECT",
	StatusInvalidProgram:            "CL_INVALID_PROGRAM",
	StatusInvalidProgramExecutable:  "CL_INVALID_PROGRAM_EXECUTABLE",
	StatusInvalidKernelName:         "CL_INVALID_KERNEL_NAME",
	StatusInvalidKernelDefinition:   "CL_INVALID_KERNEL_DEFINITION",
	StatusInvalidKernel:             "CL_INVALID_KERNEL",
	StatusInvalidArgIndex:           "CL_INVALID_ARG_INDEX",
	StatusInvalidArgValue:           "CL_INVALID_ARG_VALUE",
	StatusInvalidArgSize:            "CL_INVALID_ARG_SIZE",
	StatusInvalidKernelArgs:         "CL_INVALID_KERNEL_ARGS",
	StatusInvalidWorkDimension:      "CL_INVALID_WORK_DIMENSION",
	StatusInvalidWorkGroupSize:      "CL_INVALID_WORK_GROUP_SIZE",
	StatusInvalidWorkItemSize:       "CL_INVALID_WORK_ITEM_SIZE",
	StatusInvalidGlobalOffset:       "CL_INVALID_GLOBAL_OFFSET",
	StatusInvalidOperation:          "CL_INVALID_OPERATION",
	StatusInvalidBufferSize:         "CL_INVALID_BUFFER_SIZE",
	StatusInvalidGlobalWorkSize:     "CL_INVALID_GLOBAL_WORK_SIZE",
	StatusPlatformNotFoundKHR:       "CL_PLATFORM_NOT_FOUND_KHR",
}

// StatusName returns the CL_* name of a status code.
func StatusName(code int32) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("CL_UNKNOWN_ERROR(%d)", code)
}

// StatusError is a failed device runtime call.
type StatusError struct {
	Op     string
	Code   int32
	Detail string
}

func newStatusError(op string, code int32, format string, args ...any) *StatusError {
	return &StatusError{Op: op, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Op, StatusName(e.Code))
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, StatusName(e.Code), e.Detail)
}
