// ============================================================================
// Worker Pool - bounded concurrent job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: manages the lifecycle of N worker goroutines and hands them tasks
//
// Architecture:
//   ┌─────────────┐
//   │ Scheduler   │ --Submit()--> taskCh (bounded)
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(buffer) - channels are created
//   2. Start(n)        - n workers start
//   3. Submit(task)    - never blocks; ErrPoolFull when the buffer is full
//   4. ReceiveResult() - one Result per submitted task
//   5. Stop()          - cancels every task, drains the queue, waits for
//                        the workers, closes resultCh
//
// Concurrency Control:
//   - Submit holds mu while it sends, and the send never blocks, so Stop
//     can never close taskCh under a concurrent Submit.
//   - Every task runs under the pool's base context; Stop cancels it, so
//     queued tasks finish immediately as cancelled.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed means the pool was stopped
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Start was not called yet
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull means every worker is busy and the task buffer is full
	ErrPoolFull = errors.New("worker pool is full")
)

// ============================================================================
// Handle
// ============================================================================

// Handle lets the submitter cancel a task and wait for it.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) ID() string { return h.id }

// Cancel requests cooperative cancellation. It does not wait.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ============================================================================
// Pool
// ============================================================================

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan queued
	resultCh chan Result
	baseCtx  context.Context
	stopAll  context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewPool creates a pool whose task queue holds bufferSize tasks beyond the
// ones being executed.
func NewPool(bufferSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan queued, bufferSize),
		resultCh: make(chan Result, bufferSize),
		baseCtx:  ctx,
		stopAll:  cancel,
		logger:   logger.With("component", "worker-pool"),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.logger)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	p.logger.Debug("Worker pool started", "workers", workerCount)
	return nil
}

// Submit queues a task without blocking. The returned handle cancels it.
func (p *Pool) Submit(task Task) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		return nil, ErrPoolClosed
	}
	if task.Run == nil {
		return nil, errors.New("task has no run function")
	}

	ctx, cancel := context.WithCancel(p.baseCtx)
	h := &Handle{id: task.ID, ctx: ctx, cancel: cancel, done: make(chan struct{})}

	select {
	case p.taskCh <- queued{task: task, handle: h}:
		return h, nil
	default:
		cancel()
		return nil, ErrPoolFull
	}
}

// ReceiveResult blocks until a task finishes. It returns ErrPoolClosed once
// the pool is stopped and every result was delivered.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop cancels every queued and running task, waits for the workers and
// closes the result channel. Results still have to be drained by the
// consumer, otherwise Stop blocks. Stop is idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	p.stopAll()
	close(p.taskCh)

	if started {
		p.wg.Wait()
	}
	close(p.resultCh)
	p.logger.Debug("Worker pool stopped")
}

// GetWorkerCount returns the number of workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Capacity returns the number of tasks the pool accepts at once.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) + cap(p.taskCh)
}
