// Package store keeps checkpoint folders on disk and the run history in
// SQLite.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/snapshot"
)

// folderTimeLayout is the timestamp suffix of checkpoint folder names.
const folderTimeLayout = "20060102_150405"

var (
	ErrFolderNotFound  = errors.New("checkpoint folder not found")
	ErrInvalidFolderID = errors.New("invalid checkpoint folder id")
)

// Folder is one checkpoint folder: a job run's log, metadata and artifacts.
type Folder struct {
	ID             string
	Path           string
	Metadata       snapshot.RunMetadata
	CheckpointPath string // <folder>/<jobID>.results
	QualityBase    string // base of the per-iteration companion files
}

// Snapshot returns the manager of the folder's metadata file.
func (f Folder) Snapshot() *snapshot.Manager {
	return snapshot.NewManager(filepath.Join(f.Path, snapshot.FileName))
}

// ResultStore manages checkpoint folders below one root directory.
type ResultStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex // serialises folder creation
}

// NewResultStore creates root if needed.
func NewResultStore(root string, logger *slog.Logger) (*ResultStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &ResultStore{
		root:   root,
		logger: logger.With("component", "results"),
		now:    time.Now,
	}, nil
}

func (s *ResultStore) Root() string { return s.root }

// CreateFolder makes a new folder named <jobID>_<timestamp>, adding a
// numeric suffix when a folder of the same second exists, and writes its
// metadata.
func (s *ResultStore) CreateFolder(clientID string, def definition.Definition) (Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	base := def.ID + "_" + now.Format(folderTimeLayout)
	id := base
	for n := 1; ; n++ {
		err := os.Mkdir(filepath.Join(s.root, id), 0755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return Folder{}, fmt.Errorf("create checkpoint folder: %w", err)
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}

	f := s.folder(id, snapshot.RunMetadata{
		FolderID:   id,
		ClientID:   clientID,
		Definition: def,
		CreatedAt:  now,
	})
	if err := f.Snapshot().Write(f.Metadata); err != nil {
		os.RemoveAll(f.Path)
		return Folder{}, err
	}
	s.logger.Info("Created checkpoint folder", "folder", id, "job", def.ID, "client", clientID)
	return f, nil
}

// Exists reports whether folderID names a readable checkpoint folder.
func (s *ResultStore) Exists(folderID string) bool {
	if validFolderID(folderID) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, folderID, snapshot.FileName))
	return err == nil
}

// Open loads a folder's metadata.
func (s *ResultStore) Open(folderID string) (Folder, error) {
	if err := validFolderID(folderID); err != nil {
		return Folder{}, err
	}
	path := filepath.Join(s.root, folderID)
	meta, err := snapshot.NewManager(filepath.Join(path, snapshot.FileName)).Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return Folder{}, fmt.Errorf("%w: %s", ErrFolderNotFound, folderID)
	}
	if err != nil {
		return Folder{}, fmt.Errorf("open %s: %w", folderID, err)
	}
	return s.folder(folderID, meta), nil
}

// List returns all readable folders sorted by id.
func (s *ResultStore) List() ([]Folder, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []Folder
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		f, err := s.Open(entry.Name())
		if err != nil {
			s.logger.Debug("Skipping folder", "folder", entry.Name(), "error", err)
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *ResultStore) folder(id string, meta snapshot.RunMetadata) Folder {
	path := filepath.Join(s.root, id)
	return Folder{
		ID:             id,
		Path:           path,
		Metadata:       meta,
		CheckpointPath: filepath.Join(path, meta.Definition.ID+".results"),
		QualityBase:    filepath.Join(path, meta.Definition.ID),
	}
}

func validFolderID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidFolderID, id)
	}
	return nil
}
