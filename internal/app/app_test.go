package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/fxnlabs/clmatmul/internal/config"
	"github.com/fxnlabs/clmatmul/internal/gpu"
	"github.com/fxnlabs/clmatmul/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logger.Verbosity = "error"
	cfg.Matrix.HeightA, cfg.Matrix.WidthA = 32, 32
	cfg.Matrix.HeightB, cfg.Matrix.WidthB = 32, 32
	return cfg
}

func TestModule(t *testing.T) {
	var r *runner.Runner
	var manager *gpu.Manager
	var out bytes.Buffer

	app := fxtest.New(t,
		Module(testConfig(), &out),
		fx.Populate(&r, &manager),
	)
	app.RequireStart()

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Verification.Passed)
	assert.Contains(t, out.String(), "Running matrix multiplication for matrices A (32x32) and B (32x32) ...")

	_, err = manager.OpenSession(gpu.DeviceSelector{Type: gpu.DeviceTypeCPU})
	require.NoError(t, err)
	assert.Equal(t, 1, manager.OpenSessions())

	app.RequireStop()
	assert.Equal(t, 0, manager.OpenSessions(), "sessions are closed on stop")
}

func TestRun(t *testing.T) {
	var out bytes.Buffer
	report, err := Run(context.Background(), testConfig(), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(2*32*32*32), report.FLOPs)
}

func TestRun_InvalidLogger(t *testing.T) {
	cfg := testConfig()
	cfg.Logger.Verbosity = "loud"
	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRun_Failure(t *testing.T) {
	cfg := testConfig()
	cfg.Kernel.EntryPoint = "missing"
	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	stage, ok := gpu.StageOf(err)
	require.True(t, ok)
	assert.Equal(t, gpu.StageKernelCreation, stage)
}

func TestWithManager(t *testing.T) {
	var names []string
	err := WithManager(context.Background(), testConfig(), &bytes.Buffer{}, func(m *gpu.Manager) error {
		for _, b := range m.Backends() {
			names = append(names, b.Name())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, names, "host")
}
