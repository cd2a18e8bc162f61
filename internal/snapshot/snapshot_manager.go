// Package snapshot stores the metadata of one checkpoint folder: which job
// definition and client it belongs to. A resume reads it back to rebuild the
// search exactly as it was configured, even if the definition changed since.
package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialise RunMetadata as JSON next to the checkpoint log
// 2. Atomic writes (temp file + rename) so a crash never leaves half a file
// 3. Schema version check on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// FileName is the metadata file inside each checkpoint folder.
const FileName = "run.json"

// SchemaVersion of RunMetadata.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// RunMetadata describes one checkpoint folder.
type RunMetadata struct {
	SchemaVer  int                   `json:"schema_ver"`
	FolderID   string                `json:"folder_id"`
	ClientID   string                `json:"client_id"`
	Definition definition.Definition `json:"definition"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Resumes    int                   `json:"resumes"`
	LastStatus types.JobStatus       `json:"last_status,omitempty"`
	Iterations int64                 `json:"iterations"`
}

// Manager reads and writes one metadata file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the metadata file.
func (m *Manager) Write(data RunMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data RunMetadata) error {
	data.SchemaVer = SchemaVersion
	if data.UpdatedAt.IsZero() {
		data.UpdatedAt = time.Now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads and validates the metadata file.
func (m *Manager) Load() (RunMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (RunMetadata, error) {
	var data RunMetadata

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Update loads, modifies and writes back the metadata under one lock.
func (m *Manager) Update(fn func(*RunMetadata)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.loadLocked()
	if err != nil {
		return err
	}
	fn(&data)
	data.UpdatedAt = time.Now()
	return m.writeLocked(data)
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the metadata file path.
func (m *Manager) GetPath() string {
	return m.path
}
