package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/clmatmul/internal/config"
	"github.com/fxnlabs/clmatmul/internal/gpu"
	"github.com/fxnlabs/clmatmul/internal/matrix"
	"github.com/fxnlabs/clmatmul/internal/metrics"
	"github.com/fxnlabs/clmatmul/internal/verify"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Matrix.HeightA, cfg.Matrix.WidthA = 64, 32
	cfg.Matrix.HeightB, cfg.Matrix.WidthB = 32, 16
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config) (*Runner, *bytes.Buffer) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	manager := gpu.NewManagerWithBackends(zaptest.NewLogger(t), gpu.NewHostBackend(nil))
	t.Cleanup(func() { _ = manager.Cleanup() })
	var out bytes.Buffer
	return New(cfg, manager, zaptest.NewLogger(t), &out), &out
}

func TestRun(t *testing.T) {
	cfg := smallConfig()
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "clmatmul.prom")
	r, out := newRunner(t, cfg)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "host", report.Backend)
	assert.Equal(t, gpu.DeviceTypeCPU, report.Device.Type)
	assert.Equal(t, matrix.Shape{Rows: 64, Cols: 16}, report.ShapeC)
	assert.Equal(t, gpu.NDRange{X: 16, Y: 64}, report.Global)
	assert.Equal(t, gpu.NDRange{X: 16, Y: 16}, report.Local)
	assert.Equal(t, "matrixmul_kernel.cl", report.KernelSource)
	assert.Equal(t, int64(2*64*16*32), report.FLOPs)
	require.NotNil(t, report.Verification)
	assert.True(t, report.Verification.Passed)
	assert.Equal(t, verify.Checksum(report.Result), report.Verification.Checksum)

	console := out.String()
	assert.Contains(t, console, "Running matrix multiplication for matrices A (32x64) and B (16x32) ...\n")
	assert.Contains(t, console, "65,536 floating-point operations")
	assert.Contains(t, console, "Verification passed")

	data, err := os.ReadFile(cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "matmul_dispatches_total")
}

func dispatchDurationSum(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.DispatchDuration.Write(&m))
	return m.GetHistogram().GetSampleSum()
}

func TestRun_RecordsSubMillisecondDuration(t *testing.T) {
	cfg := config.Default()
	cfg.Matrix.HeightA, cfg.Matrix.WidthA = 2, 2
	cfg.Matrix.HeightB, cfg.Matrix.WidthB = 2, 2
	cfg.WorkGroup.Local = gpu.NDRange{X: 2, Y: 2}
	cfg.Verification.Enabled = false
	r, _ := newRunner(t, cfg)

	before := dispatchDurationSum(t)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Positive(t, report.Duration)

	assert.InDelta(t, float64(report.Duration.Microseconds())/1e3, dispatchDurationSum(t)-before, 1e-6)
}

func TestRun_MatchesReference(t *testing.T) {
	cfg := smallConfig()
	cfg.Verification.Enabled = false
	r, _ := newRunner(t, cfg)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Verification)

	a, b, err := matrix.InitializeInputs(cfg.Matrix.Seed, cfg.ShapeA(), cfg.ShapeB())
	require.NoError(t, err)
	ref, err := verify.Reference(a, b)
	require.NoError(t, err)
	rel, err := verify.MaxRelativeError(report.Result, ref)
	require.NoError(t, err)
	assert.Less(t, rel, 1e-4)
}

func TestRun_Deterministic(t *testing.T) {
	first, _ := newRunner(t, smallConfig())
	second, _ := newRunner(t, smallConfig())

	r1, err := first.Run(context.Background())
	require.NoError(t, err)
	r2, err := second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r1.Result.Data, r2.Result.Data)
}

func TestRun_KernelFromFile(t *testing.T) {
	cfg := smallConfig()
	cfg.Kernel.Path = "../../kernels/matrixmul_kernel.cl"
	r, _ := newRunner(t, cfg)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "matrixmul_kernel.cl", report.KernelSource)
}

func TestRun_Failures(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.cl")
	require.NoError(t, os.WriteFile(broken, []byte("__kernel void matrixMul(__global float* C, __global float* A, __global float* B, int n) {}"), 0o644))

	testCases := []struct {
		name   string
		mutate func(*config.Config)
		stage  gpu.Stage
	}{
		{
			name:   "no matching device",
			mutate: func(c *config.Config) { c.Device.Fallback = "" },
			stage:  gpu.StageDeviceAcquisition,
		},
		{
			name:   "missing kernel file",
			mutate: func(c *config.Config) { c.Kernel.Path = filepath.Join(dir, "missing.cl") },
			stage:  gpu.StageKernelSourceLoad,
		},
		{
			name:   "kernel does not compile",
			mutate: func(c *config.Config) { c.Kernel.Path = broken },
			stage:  gpu.StageProgramBuild,
		},
		{
			name:   "unknown entry point",
			mutate: func(c *config.Config) { c.Kernel.EntryPoint = "matrixMult" },
			stage:  gpu.StageKernelCreation,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := smallConfig()
			tc.mutate(cfg)
			r, out := newRunner(t, cfg)
			failures := metrics.StageFailures.WithLabelValues(tc.stage.String())
			before := testutil.ToFloat64(failures)

			report, err := r.Run(context.Background())
			require.Error(t, err)
			assert.Nil(t, report)
			stage, ok := gpu.StageOf(err)
			require.True(t, ok)
			assert.Equal(t, tc.stage, stage)
			assert.Equal(t, before+1, testutil.ToFloat64(failures))
			assert.NotContains(t, out.String(), "Running matrix multiplication")
		})
	}
}

func TestRun_BuildLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cl")
	require.NoError(t, os.WriteFile(path, []byte("__kernel void matrixMul(__global float* C, __global float* A, __global float* B, int n, float s) {}"), 0o644))
	cfg := smallConfig()
	cfg.Kernel.Path = path
	r, _ := newRunner(t, cfg)

	_, err := r.Run(context.Background())
	assert.Contains(t, gpu.BuildLogOf(err), "bad.cl:1:")
	assert.Contains(t, gpu.BuildLogOf(err), "1 error generated.")
}

func TestRun_Cancelled(t *testing.T) {
	r, _ := newRunner(t, smallConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRecordFailure(t *testing.T) {
	verification := metrics.StageFailures.WithLabelValues("Verification")
	other := metrics.StageFailures.WithLabelValues("Other")
	beforeVerification, beforeOther := testutil.ToFloat64(verification), testutil.ToFloat64(other)

	recordFailure(ErrVerificationFailed)
	recordFailure(errors.New("boom"))

	assert.Equal(t, beforeVerification+1, testutil.ToFloat64(verification))
	assert.Equal(t, beforeOther+1, testutil.ToFloat64(other))
}
