package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// hostQueue is an in-order command queue. A single goroutine executes commands in
// submission order; once a command fails on the device every later command reports
// that failure. Commands abandoned through their context do not poison the queue.
type hostQueue struct {
	context *hostContext
	logger  *zap.Logger
	cmds    chan *hostCommand
	wg      sync.WaitGroup

	mu       sync.Mutex
	released bool
}

type hostCommand struct {
	name string
	run  func() error
	done chan error
}

func newHostQueue(c *hostContext) *hostQueue {
	q := &hostQueue{
		context: c,
		logger:  c.backend.logger.Named("queue"),
		cmds:    make(chan *hostCommand, 64),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *hostQueue) loop() {
	defer q.wg.Done()
	var failed error
	for cmd := range q.cmds {
		if failed != nil {
			cmd.done <- fmt.Errorf("%s skipped: earlier command failed: %w", cmd.name, failed)
			continue
		}
		err := cmd.run()
		if err != nil {
			q.logger.Debug("Command failed", zap.String("command", cmd.name), zap.Error(err))
			if !isCancellation(err) {
				failed = err
			}
		}
		cmd.done <- err
	}
}

func (q *hostQueue) submit(op, name string, run func() error) (*hostCommand, error) {
	cmd := &hostCommand{name: name, run: run, done: make(chan error, 1)}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil, newStatusError(op, StatusInvalidCommandQueue, "command queue has been released")
	}
	q.cmds <- cmd
	return cmd, nil
}

func (q *hostQueue) EnqueueNDRangeKernel(ctx context.Context, kernel Kernel, global, local NDRange) error {
	const op = "clEnqueueNDRangeKernel"
	k, ok := kernel.(*hostKernel)
	if !ok || k.program.context != q.context {
		return newStatusError(op, StatusInvalidKernel, "kernel does not belong to this context")
	}
	if global.X <= 0 || global.Y <= 0 {
		return newStatusError(op, StatusInvalidGlobalWorkSize, "global work size %s", global)
	}
	if local.X <= 0 || local.Y <= 0 || global.X%local.X != 0 || global.Y%local.Y != 0 {
		return newStatusError(op, StatusInvalidWorkGroupSize, "local work size %s does not divide global work size %s", local, global)
	}
	if limit := q.context.device.MaxWorkGroupSize; limit > 0 && local.Size() > limit {
		return newStatusError(op, StatusInvalidWorkGroupSize, "work-group of %d items exceeds device maximum %d", local.Size(), limit)
	}
	fn, err := k.bind()
	if err != nil {
		return err
	}

	_, err = q.submit(op, "ndrange "+k.Name(), func() error {
		return q.runNDRange(ctx, k.Name(), fn, global, local)
	})
	return err
}

// runNDRange runs work-groups concurrently, at most one per compute unit. Work-items
// inside a group run sequentially.
func (q *hostQueue) runNDRange(ctx context.Context, name string, fn workItemFunc, global, local NDRange) error {
	groupsX, groupsY := global.X/local.X, global.Y/local.Y
	q.logger.Debug("Running NDRange",
		zap.String("kernel", name),
		zap.Stringer("global", global),
		zap.Stringer("local", local),
		zap.Int("work_groups", groupsX*groupsY))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(q.context.device.MaxComputeUnits, 1))

schedule:
	for gy := 0; gy < groupsY; gy++ {
		for gx := 0; gx < groupsX; gx++ {
			if gctx.Err() != nil {
				break schedule
			}
			gx, gy := gx, gy
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = newStatusError("clEnqueueNDRangeKernel", StatusOutOfResources, "kernel %s faulted in work-group (%d,%d): %v", name, gx, gy, r)
					}
				}()
				if err := gctx.Err(); err != nil {
					return err
				}
				baseX, baseY := gx*local.X, gy*local.Y
				for ly := 0; ly < local.Y; ly++ {
					for lx := 0; lx < local.X; lx++ {
						fn(baseX+lx, baseY+ly)
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (q *hostQueue) EnqueueReadBuffer(ctx context.Context, buffer Buffer, blocking bool, dst []float32) error {
	const op = "clEnqueueReadBuffer"
	b, ok := buffer.(*hostBuffer)
	if !ok || b.context != q.context {
		return newStatusError(op, StatusInvalidMemObject, "buffer does not belong to this context")
	}
	src := b.storage()
	if src == nil {
		return newStatusError(op, StatusInvalidMemObject, "buffer has been released")
	}
	if len(dst) < len(src) {
		return newStatusError(op, StatusInvalidValue, "destination holds %d elements, buffer has %d", len(dst), len(src))
	}

	cmd, err := q.submit(op, "read buffer", func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		copy(dst, src)
		return nil
	})
	if err != nil || !blocking {
		return err
	}
	return q.wait(ctx, cmd)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (q *hostQueue) wait(ctx context.Context, cmd *hostCommand) error {
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *hostQueue) Finish() error {
	cmd, err := q.submit("clFinish", "finish", func() error { return nil })
	if err != nil {
		return err
	}
	return <-cmd.done
}

// Release drains pending commands and stops the queue goroutine.
func (q *hostQueue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil
	}
	q.released = true
	close(q.cmds)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
