package candidate

import (
	"fmt"

	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// Grid enumerates the cartesian product of every parameter's grid values.
// The last parameter varies fastest.
type Grid struct {
	specs  []ParameterSpec
	values [][]string
	total  int64
	cursor int64
}

// NewGrid is the factory of the "grid" strategy.
func NewGrid(cfg Config) (Generator, error) {
	if len(cfg.Params) == 0 {
		return nil, fmt.Errorf("%w: grid needs at least one parameter", ErrInvalidConfig)
	}
	g := &Grid{specs: cfg.Params, total: 1}
	for _, p := range cfg.Params {
		vals := p.GridValues()
		g.values = append(g.values, vals)
		g.total *= int64(len(vals))
	}
	return g, nil
}

func (g *Grid) HasNext(st *State) bool {
	return !st.BudgetExhausted() && g.cursor < g.total
}

func (g *Grid) Next(st *State, forced *types.ParameterSet) (types.ParameterSet, error) {
	if forced != nil {
		g.cursor++
		return *forced, nil
	}
	if g.cursor >= g.total {
		return types.ParameterSet{}, ErrNoCandidateFound
	}
	ps := g.at(g.cursor)
	g.cursor++
	return ps, nil
}

func (g *Grid) Total(st *State) int64 {
	if st.Budget > 0 && st.Budget < g.total {
		return st.Budget
	}
	return g.total
}

// at decodes a mixed-radix grid index.
func (g *Grid) at(idx int64) types.ParameterSet {
	values := make([]string, len(g.values))
	for i := len(g.values) - 1; i >= 0; i-- {
		n := int64(len(g.values[i]))
		values[i] = g.values[i][idx%n]
		idx /= n
	}
	return setFromValues(g.specs, values)
}
