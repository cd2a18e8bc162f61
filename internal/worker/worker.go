// ============================================================================
// Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// How it works:
//   Each Worker is an independent goroutine that loops:
//   1. Receive a task from taskCh (blocking wait)
//   2. Run it under the task's own context (cancel handle + optional timeout)
//   3. Send the result to resultCh
//   until taskCh is closed.
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for t := range taskCh        │   │
//   │  │   ├─ ctx from the handle     │   │
//   │  │   ├─ execute(t) + recover    │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   A panic inside a task is recovered and reported as a failed Result; the
//   worker keeps serving the queue. Results are never dropped: the consumer
//   must drain ReceiveResult until ErrPoolClosed.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// ErrTaskPanicked wraps the value recovered from a panicking task.
var ErrTaskPanicked = errors.New("task panicked")

// queued is a task together with the handle its submitter holds.
type queued struct {
	task   Task
	handle *Handle
}

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan queued
	resultCh chan<- Result
	logger   *slog.Logger
}

func newWorker(id int, taskCh <-chan queued, resultCh chan<- Result, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		logger:   logger.With("worker", id),
	}
}

// Run is the main loop of the Worker.
func (w *Worker) Run() {
	for q := range w.taskCh {
		start := time.Now()

		ctx := q.handle.ctx
		cancel := func() {}
		if q.task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, q.task.Timeout)
		}

		panicked, err := w.execute(ctx, q.task)
		cancelled := errors.Is(q.handle.ctx.Err(), context.Canceled)
		cancel()
		q.handle.cancel()
		close(q.handle.done)

		w.resultCh <- Result{
			TaskID:    q.task.ID,
			Err:       err,
			Cancelled: cancelled,
			Panicked:  panicked,
			Duration:  time.Since(start),
		}
	}
}

// execute runs the task and turns a panic into an error.
func (w *Worker) execute(ctx context.Context, task Task) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Task panicked", "task", task.ID, "panic", r, "stack", string(debug.Stack()))
			panicked = true
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, task.Run(ctx)
}
