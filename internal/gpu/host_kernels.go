package gpu

import (
	"gonum.org/v1/gonum/blas/blas32"
)

// workItemFunc runs one work-item at global coordinate (x, y).
type workItemFunc func(x, y int)

// hostKernelImpl is the Go-native body of a kernel the host device can run.
type hostKernelImpl struct {
	params []paramKind
	// bind validates a full argument list and returns the work-item body.
	bind func(args []any) (workItemFunc, error)
}

var hostKernels = map[string]hostKernelImpl{
	"matrixMul": {
		params: []paramKind{paramGlobalFloatPtr, paramGlobalFloatPtr, paramGlobalFloatPtr, paramInt, paramInt},
		bind:   bindMatrixMul,
	},
}

// bindMatrixMul binds matrixMul(C, A, B, innerDim, outputStride). Work-item (x, y)
// writes C[y*outputStride+x], the dot product of row y of A and column x of B. Like
// the device code it performs no bounds checks.
func bindMatrixMul(args []any) (workItemFunc, error) {
	const op = "clEnqueueNDRangeKernel"
	out := args[0].(*hostBuffer)
	if !out.Flags().Writable() {
		return nil, newStatusError(op, StatusInvalidArgValue, "output buffer is read-only")
	}
	c, a, b := out.storage(), args[1].(*hostBuffer).storage(), args[2].(*hostBuffer).storage()
	if c == nil || a == nil || b == nil {
		return nil, newStatusError(op, StatusInvalidMemObject, "kernel argument buffer has been released")
	}
	inner, stride := int(args[3].(int32)), int(args[4].(int32))
	if inner < 0 || stride < 0 {
		return nil, newStatusError(op, StatusInvalidArgValue, "negative dimension (innerDim=%d, outputStride=%d)", inner, stride)
	}

	return func(x, y int) {
		row := blas32.Vector{N: inner, Inc: 1, Data: a[y*inner:]}
		col := blas32.Vector{N: inner, Inc: stride, Data: b[x:]}
		c[y*stride+x] = blas32.Dot(row, col)
	}, nil
}
