package worker

import (
	"context"
	"time"
)

// Task is one unit of work executed by a pool worker.
type Task struct {
	ID string
	// Run does the work. It must return promptly once ctx is cancelled.
	Run func(ctx context.Context) error
	// Timeout bounds Run; zero means no limit.
	Timeout time.Duration
}

// Result is reported once per submitted task.
type Result struct {
	TaskID    string
	Err       error
	Cancelled bool // the task's context was cancelled before it returned
	Panicked  bool
	Duration  time.Duration
}

// Success reports whether the task ran to completion without error.
func (r Result) Success() bool {
	return r.Err == nil && !r.Cancelled
}
