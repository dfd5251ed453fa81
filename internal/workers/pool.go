// Package workers provides the bounded worker pool that fans a tick
// out across per-user units of work.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. The context carries the per-task deadline.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to a Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures a batch pool.
type PoolConfig struct {
	Name          string
	NumWorkers    int
	TaskTimeout   time.Duration // zero means no per-task deadline
	PanicRecovery bool
}

// DefaultPoolConfig returns defaults sized for I/O-bound units.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:          name,
		NumWorkers:    runtime.NumCPU() * 2,
		TaskTimeout:   10 * time.Second,
		PanicRecovery: true,
	}
}

// Stats counts one batch run.
type Stats struct {
	Completed int64
	Failed    int64
	Panics    int64
	Cancelled int64
	Duration  time.Duration
}

// Pool executes task batches with bounded concurrency. A pool is
// reusable across batches and safe for concurrent use.
type Pool struct {
	logger *zap.Logger
	cfg    PoolConfig
}

// NewPool builds a pool.
func NewPool(logger *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU() * 2
	}
	return &Pool{logger: logger.Named("pool-" + cfg.Name), cfg: cfg}
}

// RunBatch executes every task and blocks until all finish or the
// batch context is cancelled. Task errors and panics are counted, never
// propagated; one bad unit must not sink the batch.
func (p *Pool) RunBatch(ctx context.Context, tasks []Task) Stats {
	start := time.Now()
	var stats Stats

	sem := make(chan struct{}, p.cfg.NumWorkers)
	var wg sync.WaitGroup

	for _, task := range tasks {
		if ctx.Err() != nil {
			atomic.AddInt64(&stats.Cancelled, 1)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(task Task) {
			defer wg.Done()
			defer func() { <-sem }()
			p.runOne(ctx, task, &stats)
		}(task)
	}
	wg.Wait()

	stats.Duration = time.Since(start)
	return stats
}

func (p *Pool) runOne(ctx context.Context, task Task, stats *Stats) {
	if p.cfg.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&stats.Panics, 1)
				atomic.AddInt64(&stats.Failed, 1)
				p.logger.Error("task panicked", zap.Any("panic", r))
			}
		}()
	}

	taskCtx := ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	if err := task.Execute(taskCtx); err != nil {
		atomic.AddInt64(&stats.Failed, 1)
		return
	}
	atomic.AddInt64(&stats.Completed, 1)
}
