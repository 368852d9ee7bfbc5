package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner owns a set of periodic background jobs. Job failures are logged
// and never propagate; a panicking job is recovered and its loop keeps
// running. Close stops every loop and waits for in-flight runs.
type Runner struct {
	clock  Clock
	logger *zap.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
	closed bool
}

// NewRunner creates a runner. A nil logger is replaced with zap.NewNop().
func NewRunner(clock Clock, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{clock: clock, logger: logger, ctx: ctx, cancel: cancel}
}

// Every schedules fn to run each interval until the runner is closed.
func (r *Runner) Every(name string, interval time.Duration, fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go r.loop(name, interval, fn)
}

func (r *Runner) loop(name string, interval time.Duration, fn func(context.Context) error) {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C():
			r.run(name, fn)
		}
	}
}

func (r *Runner) run(name string, fn func(context.Context) error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("background job panicked",
				zap.String("job", name), zap.Any("panic", rec))
		}
	}()
	if err := fn(r.ctx); err != nil {
		r.logger.Warn("background job failed",
			zap.String("job", name), zap.Error(err))
	}
}

// Close stops all loops and blocks until they exit. Safe to call twice.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
