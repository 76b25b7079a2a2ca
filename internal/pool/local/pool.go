// Package local runs handler tasks on a fixed in-process goroutine pool.
package local

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/metrics"
	"github.com/seedspider/seedspider/internal/orchestrator"
)

type submission struct {
	ctx    context.Context
	task   orchestrator.Task
	handle *handle
}

// Pool implements orchestrator.WorkerPool over size goroutines. The intake
// channel is unbuffered, so Submit blocks while every worker is busy; that
// is the pool-capacity suspension point of the dispatch loop.
type Pool struct {
	size    int
	tasks   chan submission
	quit    chan struct{}
	workers sync.WaitGroup
	once    sync.Once
	logger  *zap.Logger
}

// New starts a pool of size workers. Size defaults to 1.
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	p := &Pool{
		size:   size,
		tasks:  make(chan submission),
		quit:   make(chan struct{}),
		logger: logger,
	}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

// Submit hands the task to a free worker, blocking while the pool is
// saturated. The task runs with ctx; cancellation of ctx after hand-off
// cancels the task, not the submission.
func (p *Pool) Submit(ctx context.Context, task orchestrator.Task) (orchestrator.Handle, error) {
	h := &handle{done: make(chan struct{})}
	select {
	case p.tasks <- submission{ctx: ctx, task: task, handle: h}:
		return h, nil
	case <-p.quit:
		return nil, orchestrator.ErrPoolDraining
	case <-ctx.Done():
		return nil, fmt.Errorf("submit task: %w", ctx.Err())
	}
}

// Size reports the worker count.
func (p *Pool) Size() int { return p.size }

// Drain stops intake and waits for in-flight tasks until ctx ends. Tasks
// still running after ctx expires are abandoned.
func (p *Pool) Drain(ctx context.Context) error {
	p.once.Do(func() { close(p.quit) })
	finished := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

func (p *Pool) work() {
	defer p.workers.Done()
	for {
		select {
		case <-p.quit:
			return
		case sub := <-p.tasks:
			p.execute(sub)
		}
	}
}

func (p *Pool) execute(sub submission) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r))
			sub.handle.resolve(orchestrator.HandlerResult{}, fmt.Errorf("task panic: %v", r))
		}
	}()
	res, err := sub.task(sub.ctx)
	sub.handle.resolve(res, err)
}

// handle tracks one submitted task until it resolves.
type handle struct {
	done chan struct{}
	res  orchestrator.HandlerResult
	err  error
}

func (h *handle) resolve(res orchestrator.HandlerResult, err error) {
	h.res = res
	h.err = err
	close(h.done)
}

// Await blocks until the task resolves or ctx ends.
func (h *handle) Await(ctx context.Context) (orchestrator.HandlerResult, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return orchestrator.HandlerResult{}, fmt.Errorf("await task: %w", ctx.Err())
	}
}

// Done is closed once the task has resolved.
func (h *handle) Done() <-chan struct{} { return h.done }
