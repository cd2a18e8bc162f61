package definition

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Repository resolves job ids to definitions.
type Repository interface {
	Lookup(id string) (Definition, bool)
	List() []Definition
}

// MemoryRepository keeps definitions in a map.
type MemoryRepository struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewMemoryRepository stores the given definitions. It panics on an invalid
// one since it is meant for tests and embedded use.
func NewMemoryRepository(defs ...Definition) *MemoryRepository {
	r := &MemoryRepository{defs: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Put(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Put validates and stores d, replacing a definition with the same id.
func (r *MemoryRepository) Put(d Definition) error {
	if d.Strategy == "" {
		d.Strategy = DefaultStrategy
	}
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID] = d
	return nil
}

func (r *MemoryRepository) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
}

func (r *MemoryRepository) Lookup(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

func (r *MemoryRepository) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.defs)
}

// DirRepository loads every *.yaml and *.yml file of a directory. Files that
// fail to parse are logged and left out.
type DirRepository struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewDirRepository loads dir once.
func NewDirRepository(dir string, logger *slog.Logger) (*DirRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &DirRepository{
		dir:    dir,
		logger: logger.With("component", "definitions"),
		defs:   make(map[string]Definition),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the directory and swaps in the result.
func (r *DirRepository) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}
	defs := make(map[string]Definition)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		d, err := LoadFile(path)
		if err != nil {
			r.logger.Warn("Skipping job definition", "path", path, "error", err)
			continue
		}
		if _, dup := defs[d.ID]; dup {
			r.logger.Warn("Duplicate job id, keeping the first", "id", d.ID, "path", path)
			continue
		}
		defs[d.ID] = d
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	r.logger.Info("Loaded job definitions", "dir", r.dir, "count", len(defs))
	return nil
}

func (r *DirRepository) Lookup(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

func (r *DirRepository) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.defs)
}

func sorted(defs map[string]Definition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
