// Package kernels provides the OpenCL C sources for the compute kernels.
package kernels

import _ "embed"

// EntryPoint is the name of the matrix multiplication kernel. Hosts bind to it by name.
const EntryPoint = "matrixMul"

// SourceName is the file name the embedded source is reported under in build logs.
const SourceName = "matrixmul_kernel.cl"

// MatrixMulSource contains the OpenCL C source of the matrixMul kernel.
//
//go:embed matrixmul_kernel.cl
var MatrixMulSource string
