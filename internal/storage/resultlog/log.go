// Package resultlog keeps the per-job record of evaluated iterations and
// reads and writes its checkpoint file.
//
// The checkpoint is a tab separated text file:
//
//	iteration	T,k	F2	SSE
//	1	0.5,3	0.41	12.5
//	2	0.75,3	NT	NT
//
// Each line is appended once its iteration received quality feedback, so a
// crash after iteration k leaves a parseable log through iteration k.
package resultlog

import (
	"github.com/ChuLiYu/evalsearch/internal/quality"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// Optimum is the best iteration seen so far for one measure.
type Optimum struct {
	Iteration int64
	Params    types.ParameterSet
	Value     types.QualityValue
}

// ResultLog is the in-memory view of one job's iterations. It is owned by a
// single search engine and is not safe for concurrent use.
type ResultLog struct {
	path     string
	names    []string
	measures []quality.Measure

	records []types.IterationRecord
	byIter  map[int64]int               // iteration -> position in records
	index   map[string]types.QualitySet // ParameterSet.Key() -> quality
	optima  map[string]Optimum

	unloaded bool
	complete bool
}

// New returns an empty log bound to path.
func New(path string, names []string, measures []quality.Measure) *ResultLog {
	return &ResultLog{
		path:     path,
		names:    append([]string(nil), names...),
		measures: measures,
		byIter:   make(map[int64]int),
		index:    make(map[string]types.QualitySet),
		optima:   make(map[string]Optimum),
	}
}

func (l *ResultLog) Path() string { return l.path }

// Names returns the parameter names in column order.
func (l *ResultLog) Names() []string { return append([]string(nil), l.names...) }

// MeasureNames returns the measure names in column order.
func (l *ResultLog) MeasureNames() []string { return quality.Names(l.measures) }

// Put inserts or overwrites the record of an iteration. A nil qs records a
// placeholder that is not indexed and does not touch the optima.
func (l *ResultLog) Put(iteration int64, ps types.ParameterSet, qs types.QualitySet) {
	rec := types.IterationRecord{Iteration: iteration, Params: ps, Quality: qs.Clone()}
	if pos, ok := l.byIter[iteration]; ok {
		l.records[pos] = rec
	} else {
		l.byIter[iteration] = len(l.records)
		l.records = append(l.records, rec)
	}
	if qs == nil {
		return
	}
	l.index[ps.Key()] = rec.Quality
	l.observe(iteration, ps, qs)
}

// observe updates the per-measure optima. Only measures the log was bound
// to are tracked since the comparison needs the measure.
func (l *ResultLog) observe(iteration int64, ps types.ParameterSet, qs types.QualitySet) {
	for _, m := range l.measures {
		q, ok := qs[m.Name()]
		if !ok {
			continue
		}
		cur, seen := l.optima[m.Name()]
		if !seen || quality.Better(m, q, cur.Value) {
			l.optima[m.Name()] = Optimum{Iteration: iteration, Params: ps, Value: q}
		}
	}
}

// Get returns the recorded quality of an evaluated parameter set.
func (l *ResultLog) Get(ps types.ParameterSet) (types.QualitySet, bool) {
	qs, ok := l.index[ps.Key()]
	if !ok {
		return nil, false
	}
	return qs.Clone(), true
}

// Records returns the iterations in insertion order.
func (l *ResultLog) Records() []types.IterationRecord {
	out := make([]types.IterationRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Last returns the most recently inserted record.
func (l *ResultLog) Last() (types.IterationRecord, bool) {
	if len(l.records) == 0 {
		return types.IterationRecord{}, false
	}
	return l.records[len(l.records)-1], true
}

// Len returns the number of records, placeholders included.
func (l *ResultLog) Len() int { return len(l.records) }

// Evaluated returns the number of distinct parameter sets with a quality.
func (l *ResultLog) Evaluated() int { return len(l.index) }

// Optimal returns the best iteration for a measure.
func (l *ResultLog) Optimal(measure string) (Optimum, bool) {
	o, ok := l.optima[measure]
	return o, ok
}

// Optima returns a copy of all per-measure optima.
func (l *ResultLog) Optima() map[string]Optimum {
	out := make(map[string]Optimum, len(l.optima))
	for k, v := range l.optima {
		out[k] = v
	}
	return out
}

// Unload drops the per-iteration data and keeps the optima.
func (l *ResultLog) Unload() {
	l.records = nil
	l.byIter = make(map[int64]int)
	l.index = make(map[string]types.QualitySet)
	l.unloaded = true
}

// IsLoaded reports whether per-iteration data is in memory.
func (l *ResultLog) IsLoaded() bool { return !l.unloaded }

// Load re-reads the per-iteration data from the bound checkpoint file.
// Optima are kept as they are.
func (l *ResultLog) Load() error {
	disk, _, err := ReadFile(l.path, l.names, l.measures, ReadOptions{})
	if err != nil {
		return err
	}
	l.records = disk.records
	l.byIter = disk.byIter
	l.index = disk.index
	l.unloaded = false
	return nil
}

// MarkComplete flags the log as finalized after the last feedback.
func (l *ResultLog) MarkComplete() { l.complete = true }

// IsComplete reports whether the search owning the log has finished.
func (l *ResultLog) IsComplete() bool { return l.complete }
