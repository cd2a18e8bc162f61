package store

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/candidate"
	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleDefinition() definition.Definition {
	return definition.Definition{
		ID:         "job-1",
		Strategy:   "grid",
		Parameters: []candidate.ParameterSpec{{Name: "T", Kind: candidate.KindFloat, Min: 0, Max: 1}},
		Measures:   []string{"F2"},
	}
}

// ============================================================================
// Result store
// ============================================================================

func TestCreateAndOpenFolder(t *testing.T) {
	s, err := NewResultStore(filepath.Join(t.TempDir(), "results"), quietLogger())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 5, 0, time.UTC) }

	f, err := s.CreateFolder("alice", sampleDefinition())
	require.NoError(t, err)
	assert.Equal(t, "job-1_20261018_093005", f.ID)
	assert.Equal(t, filepath.Join(f.Path, "job-1.results"), f.CheckpointPath)
	assert.True(t, s.Exists(f.ID))

	again, err := s.CreateFolder("bob", sampleDefinition())
	require.NoError(t, err)
	assert.Equal(t, "job-1_20261018_093005_1", again.ID, "same second gets a suffix")

	opened, err := s.Open(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", opened.Metadata.ClientID)
	assert.Equal(t, sampleDefinition(), opened.Metadata.Definition)
	assert.Equal(t, f.CheckpointPath, opened.CheckpointPath)

	folders, err := s.List()
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, f.ID, folders[0].ID)
}

func TestOpenMissingAndInvalid(t *testing.T) {
	s, err := NewResultStore(t.TempDir(), quietLogger())
	require.NoError(t, err)

	_, err = s.Open("nope")
	assert.ErrorIs(t, err, ErrFolderNotFound)
	_, err = s.Open("../etc")
	assert.ErrorIs(t, err, ErrInvalidFolderID)
	assert.False(t, s.Exists("../etc"))

	// a directory without metadata is not a checkpoint folder
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "stray"), 0755))
	assert.False(t, s.Exists("stray"))
	folders, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, folders)
}

// ============================================================================
// History store
// ============================================================================

func testHistory(t *testing.T) *HistoryStore {
	t.Helper()
	h, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"), quietLogger())
	require.NoError(t, err)
	require.NoError(t, h.Migrate(context.Background()))
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryLifecycle(t *testing.T) {
	ctx := context.Background()
	h := testHistory(t)

	started := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.RecordStart(ctx, RunRecord{
		RunID: "r1", FolderID: "job-1_x", JobID: "job-1", ClientID: "alice",
		Status: types.StatusRunning, StartedAt: started,
	}))

	run, err := h.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, types.StatusRunning, run.Status)
	assert.True(t, started.Equal(run.StartedAt))
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, h.RecordFinish(ctx, "r1", types.StatusFinished, 42, ""))
	run, err = h.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinished, run.Status)
	assert.Equal(t, int64(42), run.Iterations)
	assert.NotNil(t, run.FinishedAt)

	missing, err := h.GetRun(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Error(t, h.RecordFinish(ctx, "r2", types.StatusFinished, 0, ""))
}

func TestHistoryListRuns(t *testing.T) {
	ctx := context.Background()
	h := testHistory(t)

	base := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	for i, rec := range []RunRecord{
		{RunID: "a", JobID: "job-1", FolderID: "f1"},
		{RunID: "b", JobID: "job-2", FolderID: "f2"},
		{RunID: "c", JobID: "job-1", FolderID: "f1", Resume: true},
	} {
		rec.ClientID = "alice"
		rec.Status = types.StatusScheduled
		rec.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, h.RecordStart(ctx, rec))
	}

	all, err := h.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].RunID, "newest first")
	assert.True(t, all[0].Resume)

	job1, err := h.ListRuns(ctx, "job-1", 1)
	require.NoError(t, err)
	require.Len(t, job1, 1)
	assert.Equal(t, "c", job1[0].RunID)
}
