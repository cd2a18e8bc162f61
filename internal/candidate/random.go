package candidate

import (
	"fmt"
	"math/rand"

	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// Random samples every parameter uniformly from a seeded source.
type Random struct {
	specs []ParameterSpec
	rng   *rand.Rand
	space int64 // number of distinct sets, -1 when any parameter is continuous
}

// NewRandom is the factory of the "random" strategy.
func NewRandom(cfg Config) (Generator, error) {
	if len(cfg.Params) == 0 {
		return nil, fmt.Errorf("%w: random needs at least one parameter", ErrInvalidConfig)
	}
	space := int64(1)
	for _, p := range cfg.Params {
		c := p.Cardinality()
		if c < 0 {
			space = -1
			break
		}
		space *= c
	}
	if cfg.Budget <= 0 && space < 0 {
		return nil, fmt.Errorf("%w: random search over a continuous space needs an iteration budget", ErrInvalidConfig)
	}
	return &Random{
		specs: cfg.Params,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		space: space,
	}, nil
}

func (r *Random) HasNext(st *State) bool {
	if st.BudgetExhausted() {
		return false
	}
	return r.space < 0 || int64(st.Evaluated) < r.space
}

// Next always draws, so the random stream stays aligned when a checkpoint is
// replayed with forced candidates.
func (r *Random) Next(st *State, forced *types.ParameterSet) (types.ParameterSet, error) {
	values := make([]string, len(r.specs))
	for i, s := range r.specs {
		values[i] = s.Sample(r.rng)
	}
	if forced != nil {
		return *forced, nil
	}
	if !r.HasNext(st) {
		return types.ParameterSet{}, ErrNoCandidateFound
	}
	return setFromValues(r.specs, values), nil
}

func (r *Random) Total(st *State) int64 {
	if st.Budget > 0 && (r.space < 0 || st.Budget < r.space) {
		return st.Budget
	}
	return r.space
}
