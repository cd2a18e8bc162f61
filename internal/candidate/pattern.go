package candidate

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/evalsearch/internal/quality"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// maxResync bounds how many queued proposals a forced replay may consume.
const maxResync = 1024

// Pattern is a compass search: it polls the neighbours of the current
// centre one step away along each axis, moves to the best point found, and
// halves the step once no neighbour improves. It revisits points it already
// evaluated, which the engine answers from the result log.
type Pattern struct {
	specs   []ParameterSpec
	primary quality.Measure

	center  []float64
	step    []float64
	minStep []float64
	queue   []types.ParameterSet
	started bool
	done    bool

	centerSet types.ParameterSet
	best      types.ParameterSet
	bestQ     types.QualityValue
	hasBest   bool
}

// NewPattern is the factory of the "pattern" strategy.
func NewPattern(cfg Config) (Generator, error) {
	if len(cfg.Params) == 0 {
		return nil, fmt.Errorf("%w: pattern needs at least one parameter", ErrInvalidConfig)
	}
	if cfg.Primary == nil {
		return nil, fmt.Errorf("%w: pattern needs a quality measure", ErrInvalidConfig)
	}
	p := &Pattern{
		specs:   cfg.Params,
		primary: cfg.Primary,
		center:  make([]float64, len(cfg.Params)),
		step:    make([]float64, len(cfg.Params)),
		minStep: make([]float64, len(cfg.Params)),
	}
	for i, s := range cfg.Params {
		lo, hi := s.bounds()
		width := hi - lo
		switch s.Kind {
		case KindFloat:
			p.center[i] = lo + width/2
			p.step[i] = width / 4
			p.minStep[i] = width * 1e-3
		default:
			p.center[i] = math.Round(lo + width/2)
			p.step[i] = math.Max(1, math.Round(width/4))
			p.minStep[i] = 1
		}
		if width == 0 {
			p.step[i] = 0
		}
	}
	return p, nil
}

func (p *Pattern) HasNext(st *State) bool {
	if st.BudgetExhausted() {
		return false
	}
	return p.ensure()
}

func (p *Pattern) Next(st *State, forced *types.ParameterSet) (types.ParameterSet, error) {
	if forced != nil {
		p.resync(st, *forced)
		return *forced, nil
	}
	if !p.ensure() {
		return types.ParameterSet{}, ErrNoCandidateFound
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	return head, nil
}

// Observe keeps the best point seen under the primary measure.
func (p *Pattern) Observe(ps types.ParameterSet, qs types.QualitySet) {
	q, ok := qs[p.primary.Name()]
	if !ok {
		q = types.NotTerminated()
	}
	if !p.hasBest || quality.Better(p.primary, q, p.bestQ) {
		p.best, p.bestQ, p.hasBest = ps, q, true
	}
}

// resync consumes queued proposals until it reaches the forced one. Queued
// points that already have a quality were skipped by the engine in the
// original run, so they are observed again here.
func (p *Pattern) resync(st *State, forced types.ParameterSet) {
	for i := 0; i < maxResync; i++ {
		if !p.ensure() {
			return
		}
		head := p.queue[0]
		p.queue = p.queue[1:]
		if head.Equal(forced) {
			return
		}
		qs, ok := st.lookup(head)
		if !ok {
			return
		}
		p.Observe(head, qs)
	}
}

// ensure refills the poll queue; it reports false once the search converged.
func (p *Pattern) ensure() bool {
	for len(p.queue) == 0 && !p.done {
		p.refill()
	}
	return len(p.queue) > 0
}

func (p *Pattern) refill() {
	if !p.started {
		p.started = true
		p.centerSet = p.setAt(p.center)
		p.queue = []types.ParameterSet{p.centerSet}
		return
	}
	if p.hasBest && !p.best.Equal(p.centerSet) {
		if coords, ok := p.coordinates(p.best); ok {
			p.center = coords
			p.centerSet = p.best
			p.queue = p.neighbours()
			return
		}
	}
	active := false
	for i := range p.step {
		p.step[i] /= 2
		if p.specs[i].Kind != KindFloat {
			p.step[i] = math.Floor(p.step[i])
		}
		if p.step[i] < p.minStep[i] {
			p.step[i] = 0
		}
		if p.step[i] > 0 {
			active = true
		}
	}
	if !active {
		p.done = true
		return
	}
	p.queue = p.neighbours()
}

func (p *Pattern) neighbours() []types.ParameterSet {
	var out []types.ParameterSet
	for i := range p.specs {
		if p.step[i] == 0 {
			continue
		}
		for _, dir := range []float64{-1, 1} {
			coords := append([]float64(nil), p.center...)
			coords[i] += dir * p.step[i]
			ps := p.setAt(coords)
			if !ps.Equal(p.centerSet) {
				out = append(out, ps)
			}
		}
	}
	return out
}

func (p *Pattern) setAt(coords []float64) types.ParameterSet {
	values := make([]string, len(p.specs))
	for i, s := range p.specs {
		values[i] = s.valueAt(coords[i])
	}
	return setFromValues(p.specs, values)
}

func (p *Pattern) coordinates(ps types.ParameterSet) ([]float64, bool) {
	coords := make([]float64, len(p.specs))
	for i, s := range p.specs {
		v, ok := ps.Get(s.Name)
		if !ok {
			return nil, false
		}
		if coords[i], ok = s.coordinate(v); !ok {
			return nil, false
		}
	}
	return coords, true
}
