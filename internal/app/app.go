// Package app assembles the config, logger, device manager and runner with fx.
package app

import (
	"context"
	"io"
	"time"

	"github.com/fxnlabs/clmatmul/internal/config"
	"github.com/fxnlabs/clmatmul/internal/gpu"
	"github.com/fxnlabs/clmatmul/internal/logger"
	"github.com/fxnlabs/clmatmul/internal/runner"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const stopTimeout = 10 * time.Second

// Module provides *zap.Logger, *gpu.Manager and *runner.Runner for cfg. Console output
// of the runner goes to out.
func Module(cfg *config.Config, out io.Writer) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			NewLogger,
			NewManager,
			func(cfg *config.Config, manager *gpu.Manager, log *zap.Logger) *runner.Runner {
				return runner.New(cfg, manager, log, out)
			},
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

// NewLogger builds the root logger from cfg and flushes it on stop.
func NewLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Encoding)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// Sync fails on terminals on some platforms; nothing to recover.
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

// NewManager creates the device manager and closes any session left open on stop.
func NewManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) *gpu.Manager {
	manager := gpu.NewManager(log, gpu.WithComputeUnits(cfg.Device.HostComputeUnits))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return manager.Cleanup()
		},
	})
	return manager
}

// New builds the application. Extra options typically populate components.
func New(cfg *config.Config, out io.Writer, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{Module(cfg, out)}, opts...)...)
}

// Run starts the application, runs the pipeline once and stops it again.
func Run(ctx context.Context, cfg *config.Config, out io.Writer) (*runner.Report, error) {
	var r *runner.Runner
	application := New(cfg, out, fx.Populate(&r))
	if err := application.Err(); err != nil {
		return nil, err
	}
	if err := application.Start(ctx); err != nil {
		return nil, err
	}

	report, err := r.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return report, multierr.Append(err, application.Stop(stopCtx))
}

// WithManager starts the application, hands its device manager to fn and stops.
func WithManager(ctx context.Context, cfg *config.Config, out io.Writer, fn func(*gpu.Manager) error) error {
	var manager *gpu.Manager
	application := New(cfg, out, fx.Populate(&manager))
	if err := application.Err(); err != nil {
		return err
	}
	if err := application.Start(ctx); err != nil {
		return err
	}

	err := fn(manager)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return multierr.Append(err, application.Stop(stopCtx))
}
