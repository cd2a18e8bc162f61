package runner

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/scheduler"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// End-to-end recovery: scheduler + runner + result store
//
//   phase 1: fresh run, terminated while evaluating k=8
//   phase 2: a new scheduler on the same results dir resumes the folder
//
// Expected:
//   - the first 7 checkpoint lines survive unchanged
//   - every k is evaluated to completion exactly once
//   - the resumed log holds all 20 iterations
// ============================================================================

type countingEvaluator struct {
	mu        sync.Mutex
	completed map[string]int
	blockAt   string
	reached   chan struct{}
	once      sync.Once
}

func (c *countingEvaluator) Evaluate(ctx context.Context, ev Evaluation) (types.QualitySet, error) {
	k, _ := ev.Params.Get("k")
	c.mu.Lock()
	block := k == c.blockAt
	c.mu.Unlock()
	if block {
		c.once.Do(func() { close(c.reached) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	qs, err := kScore(ctx, ev)
	c.mu.Lock()
	c.completed[k]++
	c.mu.Unlock()
	return qs, err
}

func (c *countingEvaluator) unblock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockAt = ""
}

func newScheduler(t *testing.T, results *store.ResultStore, eval Evaluator, def definition.Definition) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{MaxParallelism: 2, PollInterval: 5 * time.Millisecond}, scheduler.Deps{
		Definitions: definition.NewMemoryRepository(def),
		Results:     results,
		Executor:    newRunner(t, eval),
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestEndToEndRecovery(t *testing.T) {
	def := gridDefinition(20)
	results, err := store.NewResultStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	eval := &countingEvaluator{completed: make(map[string]int), blockAt: "8", reached: make(chan struct{})}

	// phase 1
	first := newScheduler(t, results, eval, def)
	require.True(t, first.Schedule("alice", def.ID))
	select {
	case <-eval.reached:
	case <-time.After(10 * time.Second):
		t.Fatal("search never reached k=8")
	}
	require.True(t, first.Terminate("alice", def.ID))

	var folder store.Folder
	require.Eventually(t, func() bool {
		folders, err := results.List()
		if err != nil || len(folders) != 1 {
			return false
		}
		folder = folders[0]
		return folder.Metadata.LastStatus == types.StatusTerminated
	}, 10*time.Second, 10*time.Millisecond)
	first.Stop()

	before := checkpointLines(t, folder.CheckpointPath)
	require.Len(t, before, 8, "header plus 7 finished iterations")

	// phase 2
	eval.unblock()
	second := newScheduler(t, results, eval, def)
	require.True(t, second.ScheduleResume("bob", folder.ID))
	require.Eventually(t, func() bool {
		return second.GetRunStatusForClient("bob")[folder.ID].Status == types.StatusFinished
	}, 10*time.Second, 10*time.Millisecond)

	after := checkpointLines(t, folder.CheckpointPath)
	require.Len(t, after, 21)
	assert.Equal(t, before, after[:8])
	for i, line := range after[1:] {
		assert.Equal(t, strconv.Itoa(i+1)+"\t"+strconv.Itoa(i+1)+"\t"+kScoreString(i+1), line)
	}

	eval.mu.Lock()
	for k := 1; k <= 20; k++ {
		assert.Equal(t, 1, eval.completed[strconv.Itoa(k)], "k=%d", k)
	}
	eval.mu.Unlock()

	reopened, err := results.Open(folder.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Metadata.Resumes)
	assert.Equal(t, types.StatusFinished, reopened.Metadata.LastStatus)
	assert.Equal(t, int64(20), reopened.Metadata.Iterations)
}

// kScoreString formats k/10 the way the checkpoint log does.
func kScoreString(k int) string {
	return types.Terminated(float64(k) / 10).String()
}
