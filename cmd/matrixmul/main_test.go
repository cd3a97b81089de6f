package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/clmatmul/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"matrixmul"}, args...))
	return out.String(), err
}

func TestRun_Default(t *testing.T) {
	out, err := run(t, "--size", "32", "--verbosity", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Running matrix multiplication for matrices A (32x32) and B (32x32) ...")
	assert.Contains(t, out, "Verification passed")
}

func TestRun_Subcommand(t *testing.T) {
	metricsPath := filepath.Join(t.TempDir(), "run.prom")
	out, err := run(t, "run", "--size", "16", "--local", "8", "--seed", "7", "--no-verify",
		"--device", "cpu", "--fallback", "", "--verbosity", "error", "--metrics-textfile", metricsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "A (16x16) and B (16x16)")
	assert.NotContains(t, out, "Verification")
	assert.FileExists(t, metricsPath)
}

func TestRun_ConfigFile(t *testing.T) {
	out, err := run(t, "--config", "../../fixtures/tests/config/valid_config.yaml", "--verbosity", "error",
		"--kernel", "../../kernels/matrixmul_kernel.cl", "--metrics-textfile", filepath.Join(t.TempDir(), "m.prom"))
	require.NoError(t, err)
	assert.Contains(t, out, "A (32x64) and B (48x32)")
}

func TestRun_InvalidConfiguration(t *testing.T) {
	out, err := run(t, "--size", "30", "--verbosity", "error")
	require.Error(t, err)
	assert.Contains(t, out, "Error: ")
	assert.Contains(t, out, "not evenly divisible")
	assert.NotContains(t, out, "Running matrix multiplication")
}

func TestRun_BuildFailurePrintsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.cl")
	require.NoError(t, os.WriteFile(path, []byte("__kernel void matrixMul(__global float* C, float* A, __global float* B, int n, int s) {}"), 0o644))

	out, err := run(t, "--size", "16", "--kernel", path, "--verbosity", "error")
	require.Error(t, err)
	assert.Contains(t, out, "Error: Failed to build program executable! -11 (CL_BUILD_PROGRAM_FAILURE)")
	assert.Contains(t, out, "broken.cl:1:")
	assert.Contains(t, out, "1 error generated.")
}

func TestRun_NoDevice(t *testing.T) {
	out, err := run(t, "--size", "16", "--device", "accelerator", "--fallback", "", "--verbosity", "error")
	require.Error(t, err)
	assert.Contains(t, out, "Error: Failed to create a device group! -1 (CL_DEVICE_NOT_FOUND)")
}

func TestDevices(t *testing.T) {
	out, err := run(t, "devices", "--verbosity", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Go Host Runtime")
	assert.Contains(t, out, "Host CPU")
	assert.Contains(t, out, "MAX WORK-GROUP")
	assert.Contains(t, out, `No GPU device found; runs preferring a GPU use the "cpu" fallback.`)
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote config template")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)

	_, err = run(t, "init", path)
	assert.Error(t, err, "existing files are not overwritten")

	_, err = run(t, "init", "--force", path)
	assert.NoError(t, err)
}
