// Package candidate defines the protocol every search strategy obeys and
// ships the builtin strategies (grid, random, pattern).
//
// A Generator proposes the next parameter set given the current search
// State. The search engine owns the State and the iteration counter; a
// Generator only keeps whatever cursor or model it needs to choose the next
// candidate. When the engine replays a checkpoint it calls Next with a forced
// parameter set: the generator must advance its internal state exactly as
// for one normal proposal and hand back the forced set.
package candidate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/evalsearch/internal/quality"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

var (
	// ErrNoCandidateFound signals exhaustion of the search space
	ErrNoCandidateFound = errors.New("no candidate found")
	// ErrUnknownStrategy is returned for an unregistered strategy name
	ErrUnknownStrategy = errors.New("unknown search strategy")
	// ErrInvalidConfig is returned by factories for unusable configurations
	ErrInvalidConfig = errors.New("invalid strategy configuration")
)

// State is the engine-owned view a generator decides on.
type State struct {
	Params    []ParameterSpec
	Count     int64 // iterations completed so far
	Budget    int64 // maximum number of iterations, 0 for unlimited
	Evaluated int   // distinct parameter sets with a recorded quality

	// Lookup returns the recorded quality of an already evaluated set.
	Lookup func(types.ParameterSet) (types.QualitySet, bool)
}

// BudgetExhausted reports whether the iteration budget is used up.
func (st *State) BudgetExhausted() bool {
	return st.Budget > 0 && st.Count >= st.Budget
}

// Names returns the parameter names in definition order.
func (st *State) Names() []string {
	names := make([]string, len(st.Params))
	for i, p := range st.Params {
		names[i] = p.Name
	}
	return names
}

func (st *State) lookup(ps types.ParameterSet) (types.QualitySet, bool) {
	if st.Lookup == nil {
		return nil, false
	}
	return st.Lookup(ps)
}

// Generator is the contract of a pluggable search strategy.
type Generator interface {
	HasNext(st *State) bool
	// Next proposes a candidate, or returns forced after advancing as if it
	// had proposed one. Returns ErrNoCandidateFound when exhausted.
	Next(st *State, forced *types.ParameterSet) (types.ParameterSet, error)
}

// Observer is implemented by strategies whose next proposal depends on
// earlier outcomes. Observe is called for every feedback, including
// replayed and skipped candidates.
type Observer interface {
	Observe(ps types.ParameterSet, qs types.QualitySet)
}

// Sizer reports the planned number of iterations, for progress reporting.
type Sizer interface {
	Total(st *State) int64
}

// Config is what a factory receives.
type Config struct {
	Params  []ParameterSpec
	Budget  int64
	Seed    int64
	Primary quality.Measure // first measure of the job, used by adaptive strategies
}

// Factory builds a generator for one job run.
type Factory func(cfg Config) (Generator, error)

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory; registering a name twice replaces it.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds the strategy registered under name.
func (r *Registry) New(name string, cfg Config) (Generator, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	for _, p := range cfg.Params {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return f(cfg)
}

// Names lists the registered strategies, sorted.
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

// DefaultRegistry registers the builtin strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("grid", NewGrid)
	r.Register("random", NewRandom)
	r.Register("pattern", NewPattern)
	return r
}

func setFromValues(specs []ParameterSpec, values []string) types.ParameterSet {
	params := make([]types.Param, len(specs))
	for i, s := range specs {
		params[i] = types.Param{Name: s.Name, Value: values[i]}
	}
	return types.NewParameterSet(params...)
}
