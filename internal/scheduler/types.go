package scheduler

import (
	"context"

	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// RunSpec is everything an executor needs to run one dispatched request.
type RunSpec struct {
	RunID          string
	Request        types.JobRequest
	Definition     definition.Definition
	Folder         store.Folder
	CheckpointPath string
}

// ProgressFunc reports the iterations done so far and the completion
// percentage, or a negative percentage when the total is unknown.
type ProgressFunc func(count int64, percent float64)

// Executor runs one job to completion or cancellation. It returns ctx.Err()
// when the run was cancelled.
type Executor interface {
	Execute(ctx context.Context, spec RunSpec, progress ProgressFunc) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, spec RunSpec, progress ProgressFunc) error

func (f ExecutorFunc) Execute(ctx context.Context, spec RunSpec, progress ProgressFunc) error {
	return f(ctx, spec, progress)
}

// Recorder keeps the run history. store.HistoryStore implements it.
type Recorder interface {
	RecordStart(ctx context.Context, run store.RunRecord) error
	RecordFinish(ctx context.Context, runID string, status types.JobStatus, iterations int64, errMsg string) error
}
