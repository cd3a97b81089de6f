package gpu

import (
	"strings"
	"testing"

	"github.com/fxnlabs/clmatmul/kernels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileHostProgram_MatrixMul(t *testing.T) {
	decls, log, err := compileHostProgram(kernels.SourceName, kernels.MatrixMulSource)
	require.NoError(t, err)
	assert.Empty(t, log)

	decl, ok := decls[kernels.EntryPoint]
	require.True(t, ok)
	require.Len(t, decl.Params, 5)
	assert.Equal(t, []string{"C", "A", "B", "innerDim", "outputStride"},
		[]string{decl.Params[0].Name, decl.Params[1].Name, decl.Params[2].Name, decl.Params[3].Name, decl.Params[4].Name})
	assert.Equal(t, "(__global float*, __global float*, __global float*, int, int)", decl.signature())
	assert.Greater(t, decl.Line, 0)
}

func TestCompileHostProgram_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		source   string
		contains []string
	}{
		{
			name:   "missing address space",
			source: "__kernel void matrixMul(float* C, __global float* A, __global float* B, int n, int s) {}",
			contains: []string{
				"test.cl:1:25: error: pointer parameter 'C' must be declared in the __global address space",
				"1 error generated.",
			},
		},
		{
			name:     "unknown type",
			source:   "__kernel void matrixMul(__global half* C, __global float* A, __global float* B, int n, int s) {}",
			contains: []string{"unknown type name 'half'"},
		},
		{
			name:     "unbalanced braces",
			source:   "__kernel void matrixMul(__global float* C, __global float* A, __global float* B, int n, int s) {\n  C[0] = 1;\n",
			contains: []string{"test.cl:1:"},
		},
		{
			name:     "unterminated comment",
			source:   "/* matrixMul\n__kernel void matrixMul() {}",
			contains: []string{"test.cl:1:1: error: unterminated /* comment"},
		},
		{
			name:     "unsupported kernel",
			source:   "__kernel void transpose(__global float* out, __global float* in) {}",
			contains: []string{"kernel function 'transpose' is not supported by the host device"},
		},
		{
			name:     "conflicting signature",
			source:   "__kernel void matrixMul(__global float* C, __global float* A, __global float* B, int n) {}",
			contains: []string{"conflicting types for 'matrixMul': host device expects 5 parameters, found 4"},
		},
		{
			name: "multiple errors",
			source: "__kernel void matrixMul(__global float* C, float* A, __global float* B, __global int n, int s) {}\n" +
				"__kernel void other(int x) {}",
			contains: []string{"3 errors generated."},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decls, log, err := compileHostProgram("test.cl", tc.source)
			require.Error(t, err)
			assert.Nil(t, decls)
			for _, want := range tc.contains {
				assert.Contains(t, log, want)
			}
		})
	}
}

func TestCompileHostProgram_CaretUnderOffendingToken(t *testing.T) {
	source := "// header\n__kernel void matrixMul(__global float* C, __global float* A, __global float* B, float n, int s) {}"
	_, log, err := compileHostProgram("k.cl", source)
	require.Error(t, err)

	lines := strings.Split(log, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[0], "k.cl:2:"), lines[0])
	assert.Equal(t, strings.Split(source, "\n")[1], lines[1])
	caret := strings.Index(lines[2], "^")
	assert.Equal(t, "float n", lines[1][caret:caret+len("float n")])
}

func TestCompileHostProgram_CommentsIgnored(t *testing.T) {
	source := "// __kernel void bogus(int x) {}\n/* __kernel void other() {} */\n" + kernels.MatrixMulSource
	decls, _, err := compileHostProgram("k.cl", source)
	require.NoError(t, err)
	assert.Len(t, decls, 1)
}

func TestHostProgram_BuildAndCreateKernel(t *testing.T) {
	ctx := newTestContext(t)

	program, err := ctx.CreateProgramWithSource("bad.cl", "__kernel void matrixMul(int x) {}")
	require.NoError(t, err)
	_, err = program.CreateKernel("matrixMul")
	assertStatus(t, err, StatusInvalidProgramExecutable)

	err = program.Build("")
	assertStatus(t, err, StatusBuildProgramFailure)
	assert.Contains(t, program.BuildLog(), "bad.cl:1:")

	program, err = ctx.CreateProgramWithSource(kernels.SourceName, kernels.MatrixMulSource)
	require.NoError(t, err)
	require.NoError(t, program.Build(""))
	assert.Empty(t, program.BuildLog())

	_, err = program.CreateKernel("matrixMult")
	assertStatus(t, err, StatusInvalidKernelName)

	kernel, err := program.CreateKernel(kernels.EntryPoint)
	require.NoError(t, err)
	assert.Equal(t, kernels.EntryPoint, kernel.Name())
	assert.Equal(t, 5, kernel.NumArgs())
	assert.NoError(t, kernel.Release())
	assert.NoError(t, program.Release())
}

func TestHostKernel_SetArg(t *testing.T) {
	ctx := newTestContext(t)
	kernel := newTestKernel(t, ctx)

	buf, err := ctx.CreateBuffer(MemReadWrite, 4, nil)
	require.NoError(t, err)

	other := newTestContext(t)
	foreign, err := other.CreateBuffer(MemReadWrite, 4, nil)
	require.NoError(t, err)

	released, err := ctx.CreateBuffer(MemReadWrite, 4, nil)
	require.NoError(t, err)
	require.NoError(t, released.Release())

	testCases := []struct {
		name  string
		index int
		value any
		code  int32
	}{
		{name: "index out of range", index: 5, value: int32(1), code: StatusInvalidArgIndex},
		{name: "negative index", index: -1, value: int32(1), code: StatusInvalidArgIndex},
		{name: "int for buffer", index: 0, value: int32(1), code: StatusInvalidMemObject},
		{name: "foreign buffer", index: 1, value: foreign, code: StatusInvalidMemObject},
		{name: "released buffer", index: 2, value: released, code: StatusInvalidMemObject},
		{name: "int64 for int", index: 3, value: int64(1), code: StatusInvalidArgSize},
		{name: "buffer for int", index: 4, value: buf, code: StatusInvalidArgSize},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assertStatus(t, kernel.SetArg(tc.index, tc.value), tc.code)
		})
	}

	assert.NoError(t, kernel.SetArg(0, buf))
	assert.NoError(t, kernel.SetArg(3, int32(2)))
}
