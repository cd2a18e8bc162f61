// Package quality holds the quality-measure contract consumed by the search
// engine and a registry of the measures known to this build.
package quality

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/evalsearch/pkg/types"
)

var (
	// ErrUnknownMeasure is returned when no factory is registered under a name
	ErrUnknownMeasure = errors.New("unknown quality measure")
	// ErrDuplicateMeasure is returned when a name is registered twice
	ErrDuplicateMeasure = errors.New("quality measure already registered")
)

// Measure is a named scoring function with its own better/worse ordering.
type Measure interface {
	Name() string
	// IsBetterThan compares two terminated values.
	IsBetterThan(a, b types.QualityValue) bool
	// RequiresReferenceData reports whether a gold standard is needed.
	RequiresReferenceData() bool
}

// Better reports whether a beats b under m. A not-terminated value never
// wins, and any terminated value beats a not-terminated one.
func Better(m Measure, a, b types.QualityValue) bool {
	if !a.Terminated {
		return false
	}
	if !b.Terminated {
		return true
	}
	return m.IsBetterThan(a, b)
}

// Names returns the names of the measures, in order.
func Names(measures []Measure) []string {
	names := make([]string, len(measures))
	for i, m := range measures {
		names[i] = m.Name()
	}
	return names
}

// directional is the common implementation of builtin measures.
type directional struct {
	name        string
	maximize    bool
	needsGolden bool
}

func (d directional) Name() string { return d.name }

func (d directional) RequiresReferenceData() bool { return d.needsGolden }

func (d directional) IsBetterThan(a, b types.QualityValue) bool {
	if d.maximize {
		return a.Value > b.Value
	}
	return a.Value < b.Value
}

// NewMaximizing returns a measure where larger values are better.
func NewMaximizing(name string, requiresReference bool) Measure {
	return directional{name: name, maximize: true, needsGolden: requiresReference}
}

// NewMinimizing returns a measure where smaller values are better.
func NewMinimizing(name string, requiresReference bool) Measure {
	return directional{name: name, maximize: false, needsGolden: requiresReference}
}

// Factory creates a measure instance.
type Factory func() Measure

// Registry maps measure names to factories. It replaces runtime lookup of
// implementations by class name with explicit registration at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMeasure, name)
	}
	r.factories[name] = f
	return nil
}

// New instantiates the measure registered under name.
func (r *Registry) New(name string) (Measure, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMeasure, name)
	}
	return f(), nil
}

// NewAll instantiates measures in the given order.
func (r *Registry) NewAll(names []string) ([]Measure, error) {
	measures := make([]Measure, 0, len(names))
	for _, n := range names {
		m, err := r.New(n)
		if err != nil {
			return nil, err
		}
		measures = append(measures, m)
	}
	return measures, nil
}

// Names lists registered measure names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry holding the builtin measures.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	builtins := []Measure{
		NewMaximizing("F1", true),
		NewMaximizing("F2", true),
		NewMaximizing("F0.5", true),
		NewMaximizing("Precision", true),
		NewMaximizing("Recall", true),
		NewMaximizing("RandIndex", true),
		NewMaximizing("AdjustedRandIndex", true),
		NewMaximizing("Silhouette", false),
		NewMinimizing("DaviesBouldin", false),
		NewMinimizing("SSE", false),
	}
	for _, m := range builtins {
		m := m
		// names are unique above, so Register cannot fail
		_ = r.Register(m.Name(), func() Measure { return m })
	}
	return r
}
