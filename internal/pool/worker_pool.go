// Package pool 提供固定容量的工作槽位，用于限制并发执行的任务数。
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// WorkerPoolConfig configures the pool.
type WorkerPoolConfig struct {
	MaxWorkers   int       `yaml:"max_workers" json:"max_workers"`
	PanicHandler func(any) `yaml:"-" json:"-"`
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{MaxWorkers: 8}
}

// WorkerPool 每个槽位同一时刻只执行一个任务。调用方决定任务何时占用槽位，
// 等待人工审核等挂起的任务不应占用槽位。
type WorkerPool struct {
	sem          *semaphore.Weighted
	size         int64
	panicHandler func(any)
	logger       *zap.Logger

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultWorkerPoolConfig().MaxWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		sem:          semaphore.NewWeighted(int64(config.MaxWorkers)),
		size:         int64(config.MaxWorkers),
		panicHandler: config.PanicHandler,
		logger:       logger.With(zap.String("component", "worker_pool")),
	}
}

// TryGo 有空闲槽位时异步执行任务并返回 true，否则立即返回 false。
func (p *WorkerPool) TryGo(ctx context.Context, task Task) bool {
	if p.closed.Load() {
		return false
	}
	if !p.sem.TryAcquire(1) {
		p.rejected.Add(1)
		return false
	}
	p.run(ctx, task)
	return true
}

// Go 阻塞等待空闲槽位后异步执行任务。
func (p *WorkerPool) Go(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.rejected.Add(1)
		return err
	}
	if p.closed.Load() {
		p.sem.Release(1)
		return ErrPoolClosed
	}
	p.run(ctx, task)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, task Task) {
	p.submitted.Add(1)
	p.active.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.active.Add(-1)

		if err := p.execute(ctx, task); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
}

func (p *WorkerPool) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("task panicked", zap.Any("panic", r))
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Available 当前空闲槽位数
func (p *WorkerPool) Available() int {
	return int(p.size - p.active.Load())
}

// Size 槽位总数
func (p *WorkerPool) Size() int {
	return int(p.size)
}

// Close 停止接收任务并等待执行中的任务结束，ctx 到期时提前返回。
func (p *WorkerPool) Close(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:   int(p.size),
		Active:    int(p.active.Load()),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// WorkerPoolStats contains pool statistics.
type WorkerPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
}
