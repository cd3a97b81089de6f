// Package runner executes one matrix multiplication end to end: input generation,
// device acquisition, kernel build, dispatch, verification and metrics.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxnlabs/clmatmul/internal/config"
	"github.com/fxnlabs/clmatmul/internal/gpu"
	"github.com/fxnlabs/clmatmul/internal/matrix"
	"github.com/fxnlabs/clmatmul/internal/metrics"
	"github.com/fxnlabs/clmatmul/internal/verify"
	"github.com/fxnlabs/clmatmul/kernels"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrVerificationFailed is returned when the device result does not match the host.
var ErrVerificationFailed = errors.New("result verification failed")

// Report describes a completed run.
type Report struct {
	Backend      string         `json:"backend"`
	Device       gpu.DeviceInfo `json:"device"`
	Seed         int64          `json:"seed"`
	ShapeA       matrix.Shape   `json:"shapeA"`
	ShapeB       matrix.Shape   `json:"shapeB"`
	ShapeC       matrix.Shape   `json:"shapeC"`
	Global       gpu.NDRange    `json:"global"`
	Local        gpu.NDRange    `json:"local"`
	KernelSource string         `json:"kernelSource"`
	FLOPs        int64          `json:"flops"`
	Duration     time.Duration  `json:"duration"`
	GFLOPS       float64        `json:"gflops"`
	Verification *verify.Result `json:"verification,omitempty"`
	Result       *matrix.Matrix `json:"-"`
}

// Runner runs the configured multiplication on a device from the manager.
type Runner struct {
	cfg     *config.Config
	manager *gpu.Manager
	log     *zap.Logger
	out     io.Writer
	printer *message.Printer
}

// New creates a runner writing its console output to out.
func New(cfg *config.Config, manager *gpu.Manager, log *zap.Logger, out io.Writer) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:     cfg,
		manager: manager,
		log:     log.Named("runner"),
		out:     out,
		printer: message.NewPrinter(language.English),
	}
}

// Run executes the pipeline once. Device failures are returned as *gpu.Error.
func (r *Runner) Run(ctx context.Context) (report *Report, err error) {
	defer func() {
		if err != nil {
			recordFailure(err)
		}
		r.writeMetrics()
	}()

	shapeA, shapeB := r.cfg.ShapeA(), r.cfg.ShapeB()
	a, b, err := matrix.InitializeInputs(r.cfg.Matrix.Seed, shapeA, shapeB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inputs: %w", err)
	}

	sel, err := r.cfg.Selector()
	if err != nil {
		return nil, err
	}
	session, err := r.manager.OpenSession(sel)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			r.log.Warn("Failed to release compute session", zap.Error(cerr))
		}
	}()

	device := session.Device()
	metrics.DeviceMemoryTotalBytes.Set(float64(device.TotalMemory))
	metrics.DeviceComputeUnits.Set(float64(device.MaxComputeUnits))

	kernel, err := r.buildKernel(session)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(r.out, "Running matrix multiplication for matrices A (%dx%d) and B (%dx%d) ...\n",
		shapeA.Cols, shapeA.Rows, shapeB.Cols, shapeB.Rows)

	local := r.cfg.WorkGroup.Local
	start := time.Now()
	c, err := session.Dispatch(ctx, kernel, a, b, gpu.DispatchOptions{Local: local})
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	report = &Report{
		Backend:      session.BackendName(),
		Device:       device,
		Seed:         r.cfg.Matrix.Seed,
		ShapeA:       shapeA,
		ShapeB:       shapeB,
		ShapeC:       c.Shape(),
		Global:       gpu.NDRange{X: c.Cols, Y: c.Rows},
		Local:        local,
		KernelSource: kernel.Source,
		FLOPs:        2 * int64(c.Rows) * int64(c.Cols) * int64(shapeA.Cols),
		Duration:     elapsed,
		Result:       c,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		report.GFLOPS = float64(report.FLOPs) / secs / 1e9
	}

	metrics.DispatchDuration.Observe(float64(elapsed.Microseconds()) / 1e3)
	metrics.OutputElements.Set(float64(c.Shape().Len()))
	metrics.InnerDimension.Set(float64(shapeA.Cols))
	metrics.GFLOPS.Set(report.GFLOPS)
	metrics.Dispatches.WithLabelValues(report.Backend, string(device.Type)).Inc()

	r.log.Info("Matrix multiplication completed",
		zap.String("backend", report.Backend),
		zap.String("device", device.Name),
		zap.Duration("duration", elapsed),
		zap.Float64("gflops", report.GFLOPS))

	r.printer.Fprintf(r.out, "Computed C (%dx%d) on %s: %d floating-point operations in %v (%.2f GFLOPS)\n",
		c.Cols, c.Rows, device.Name, report.FLOPs, elapsed.Round(time.Microsecond), report.GFLOPS)

	if r.cfg.Verification.Enabled {
		if err := r.verify(report, a, b, c); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Runner) buildKernel(session *gpu.Session) (*gpu.CompiledKernel, error) {
	entry := r.cfg.Kernel.EntryPoint
	if path := r.cfg.Kernel.Path; path != "" {
		r.log.Debug("Loading kernel source", zap.String("path", path))
		return session.BuildKernelFromFile(path, entry)
	}
	return session.BuildKernel(kernels.SourceName, kernels.MatrixMulSource, entry)
}

func (r *Runner) verify(report *Report, a, b, c *matrix.Matrix) error {
	opts := verify.Options{
		Iterations: r.cfg.Verification.Iterations,
		Tolerance:  r.cfg.Verification.Tolerance,
		Samples:    r.cfg.Verification.Samples,
		Seed:       r.cfg.Matrix.Seed,
	}
	res, err := verify.Check(a, b, c, opts)
	if err != nil {
		return fmt.Errorf("failed to verify result: %w", err)
	}
	report.Verification = &res

	outcome := "passed"
	if !res.Passed {
		outcome = "failed"
	}
	metrics.Verifications.WithLabelValues(outcome).Inc()
	fmt.Fprintf(r.out, "Verification %s (Freivalds: %t, max sample error: %.3g, checksum: %s)\n",
		outcome, res.Freivalds, res.MaxSampleError, res.Checksum)

	if !res.Passed {
		r.log.Error("Result verification failed",
			zap.Bool("freivalds", res.Freivalds),
			zap.Float64("max_sample_error", res.MaxSampleError))
		return ErrVerificationFailed
	}
	return nil
}

func recordFailure(err error) {
	stage := "Other"
	if s, ok := gpu.StageOf(err); ok {
		stage = s.String()
	} else if errors.Is(err, ErrVerificationFailed) {
		stage = "Verification"
	}
	metrics.StageFailures.WithLabelValues(stage).Inc()
}

func (r *Runner) writeMetrics() {
	path := r.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		r.log.Warn("Failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		return
	}
	r.log.Debug("Metrics written", zap.String("path", path))
}
