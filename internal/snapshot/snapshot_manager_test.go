package snapshot

// ============================================================================
// Snapshot manager tests: atomic write, load, version check, error handling
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/candidate"
	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMetadata(folder string) RunMetadata {
	return RunMetadata{
		FolderID: folder,
		ClientID: "alice",
		Definition: definition.Definition{
			ID:         "job-1",
			Strategy:   "grid",
			Parameters: []candidate.ParameterSpec{{Name: "T", Kind: candidate.KindFloat, Min: 0, Max: 1}},
			Measures:   []string{"F2"},
		},
		CreatedAt: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}
}

// ============================================================================
// Basic behaviour
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("run.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "run.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), FileName))

	original := sampleMetadata("job-1_20261018_120000")
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.FolderID, loaded.FolderID)
	assert.Equal(t, original.ClientID, loaded.ClientID)
	assert.Equal(t, original.Definition, loaded.Definition)
	assert.True(t, original.CreatedAt.Equal(loaded.CreatedAt))
	assert.False(t, loaded.UpdatedAt.IsZero())
}

// TestAtomicWrite reads while another goroutine rewrites the file; the
// reader must see either version, never a partial one.
func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleMetadata("old")))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleMetadata("new")))
	}()

	var loaded RunMetadata
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.Contains(t, []string{"old", "new"}, loaded.FolderID)
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), FileName))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(sampleMetadata("f")))
	assert.True(t, manager.Exists())
}

func TestUpdate(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, manager.Write(sampleMetadata("f")))

	require.NoError(t, manager.Update(func(m *RunMetadata) {
		m.Resumes++
		m.LastStatus = types.StatusTerminated
		m.Iterations = 12
	}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Resumes)
	assert.Equal(t, types.StatusTerminated, loaded.LastStatus)
	assert.Equal(t, int64(12), loaded.Iterations)
}

// ============================================================================
// Error handling
// ============================================================================

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), FileName))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
	assert.ErrorIs(t, manager.Update(func(*RunMetadata) {}), ErrSnapshotNotFound)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	data := sampleMetadata("f")
	data.SchemaVer = 2
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, jsonBytes, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "folder_id": "f`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0555))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, FileName))
	assert.Error(t, manager.Write(sampleMetadata("f")))
}

func TestConcurrentUpdates(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, manager.Write(sampleMetadata("f")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Update(func(m *RunMetadata) { m.Resumes++ }))
		}()
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.Resumes)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), FileName))
	data := sampleMetadata("bench")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
