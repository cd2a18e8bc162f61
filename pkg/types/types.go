// Package types defines the core domain model shared by the scheduler, the
// search engine and the result log.
package types

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// JobStatus is the lifecycle status of a job definition or checkpoint folder
type JobStatus string

const (
	StatusScheduled  JobStatus = "SCHEDULED"  // queued, or dispatched but not yet picked up by a worker
	StatusRunning    JobStatus = "RUNNING"    // a worker is executing the search
	StatusFinished   JobStatus = "FINISHED"   // the search ended, with or without errors
	StatusTerminated JobStatus = "TERMINATED" // cancelled by a client or by shutdown
)

// IsActive reports whether the status blocks another run with the same id.
func (s JobStatus) IsActive() bool {
	return s == StatusScheduled || s == StatusRunning
}

// JobRequest identifies one unit of work requested by a client.
// The de-duplication key is (JobID, IsResume).
type JobRequest struct {
	ClientID string `json:"client_id"`
	JobID    string `json:"job_id"`   // job definition id, or checkpoint folder id when IsResume
	IsResume bool   `json:"is_resume"`
}

// Key returns the de-duplication key of the request.
func (r JobRequest) Key() string {
	if r.IsResume {
		return "resume:" + r.JobID
	}
	return "fresh:" + r.JobID
}

func (r JobRequest) String() string {
	return fmt.Sprintf("%s/%s(resume=%t)", r.ClientID, r.JobID, r.IsResume)
}

// RunStatus is what a client sees for one of its jobs.
type RunStatus struct {
	Status  JobStatus `json:"status"`
	Percent float64   `json:"percent"`
}

// ============================================================================
// Parameter sets
// ============================================================================

// Param is one name/value pair of a parameter set.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ParameterSet is an immutable, ordered mapping from parameter name to a
// string-encoded scalar value. Equality ignores order.
type ParameterSet struct {
	params []Param
}

// NewParameterSet builds a parameter set, keeping the given order.
// A later duplicate name replaces the earlier value.
func NewParameterSet(params ...Param) ParameterSet {
	out := make([]Param, 0, len(params))
	for _, p := range params {
		replaced := false
		for i := range out {
			if out[i].Name == p.Name {
				out[i].Value = p.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, p)
		}
	}
	return ParameterSet{params: out}
}

// ParameterSetFromValues zips names and values positionally.
func ParameterSetFromValues(names, values []string) (ParameterSet, error) {
	if len(names) != len(values) {
		return ParameterSet{}, fmt.Errorf("parameter set: %d names but %d values", len(names), len(values))
	}
	params := make([]Param, len(names))
	for i := range names {
		params[i] = Param{Name: names[i], Value: values[i]}
	}
	return NewParameterSet(params...), nil
}

// Len returns the number of parameters.
func (ps ParameterSet) Len() int { return len(ps.params) }

// IsEmpty reports whether the set has no parameters.
func (ps ParameterSet) IsEmpty() bool { return len(ps.params) == 0 }

// Get returns the value of a parameter.
func (ps ParameterSet) Get(name string) (string, bool) {
	for _, p := range ps.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Names returns the parameter names in set order.
func (ps ParameterSet) Names() []string {
	names := make([]string, len(ps.params))
	for i, p := range ps.params {
		names[i] = p.Name
	}
	return names
}

// ValuesFor returns the values ordered by names. Missing names yield "".
func (ps ParameterSet) ValuesFor(names []string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i], _ = ps.Get(n)
	}
	return values
}

// Params returns a copy of the underlying pairs.
func (ps ParameterSet) Params() []Param {
	out := make([]Param, len(ps.params))
	copy(out, ps.params)
	return out
}

// Map returns the set as a plain map.
func (ps ParameterSet) Map() map[string]string {
	m := make(map[string]string, len(ps.params))
	for _, p := range ps.params {
		m[p.Name] = p.Value
	}
	return m
}

// Key is a canonical, order-independent encoding used for lookups.
func (ps ParameterSet) Key() string {
	sorted := ps.Params()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	var b strings.Builder
	for i, p := range sorted {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// Equal compares name→value mappings.
func (ps ParameterSet) Equal(other ParameterSet) bool {
	if len(ps.params) != len(other.params) {
		return false
	}
	return ps.Key() == other.Key()
}

func (ps ParameterSet) String() string {
	parts := make([]string, len(ps.params))
	for i, p := range ps.params {
		parts[i] = p.Name + "=" + p.Value
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ============================================================================
// Quality values
// ============================================================================

// NotTerminatedToken is the on-disk sentinel for a failed evaluation.
const NotTerminatedToken = "NT"

// QualityValue is either a terminated numeric value or the not-terminated
// marker of an iteration whose evaluation produced no usable result.
type QualityValue struct {
	Value      float64 `json:"value"`
	Terminated bool    `json:"terminated"`
}

// Terminated wraps a numeric quality. NaN and infinities carry no usable
// result and become the not-terminated marker.
func Terminated(v float64) QualityValue {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NotTerminated()
	}
	return QualityValue{Value: v, Terminated: true}
}

// NotTerminated returns the not-terminated marker.
func NotTerminated() QualityValue {
	return QualityValue{}
}

// String renders the value in checkpoint format.
func (q QualityValue) String() string {
	if !q.Terminated {
		return NotTerminatedToken
	}
	return strconv.FormatFloat(q.Value, 'g', -1, 64)
}

// ParseQualityValue parses a decimal number or the NT sentinel. Non-finite
// numbers parse as NT.
func ParseQualityValue(s string) (QualityValue, error) {
	s = strings.TrimSpace(s)
	if s == NotTerminatedToken {
		return NotTerminated(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return QualityValue{}, fmt.Errorf("invalid quality value %q: %w", s, err)
	}
	return Terminated(v), nil
}

// QualitySet maps measure names to quality values. A nil set is the
// placeholder of an iteration still waiting for feedback.
type QualitySet map[string]QualityValue

// NotTerminatedSet returns a set marking every measure as not terminated.
func NotTerminatedSet(measures []string) QualitySet {
	qs := make(QualitySet, len(measures))
	for _, m := range measures {
		qs[m] = NotTerminated()
	}
	return qs
}

// Clone copies the set; nil stays nil.
func (qs QualitySet) Clone() QualitySet {
	if qs == nil {
		return nil
	}
	out := make(QualitySet, len(qs))
	for k, v := range qs {
		out[k] = v
	}
	return out
}

// IterationRecord is one evaluated (or pending) candidate of a search.
type IterationRecord struct {
	Iteration int64        `json:"iteration"`
	Params    ParameterSet `json:"-"`
	Quality   QualitySet   `json:"quality"`
}

// IsPending reports whether the record still waits for feedback.
func (r IterationRecord) IsPending() bool {
	return r.Quality == nil
}
