package candidate

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Kind is the value type of an optimizable parameter.
type Kind string

const (
	KindFloat  Kind = "float"
	KindInt    Kind = "int"
	KindString Kind = "string"
)

// defaultSteps is the grid resolution of a float range without explicit steps.
const defaultSteps = 10

var ErrInvalidParameter = errors.New("invalid parameter specification")

// ParameterSpec describes the search domain of one optimizable parameter.
type ParameterSpec struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    Kind     `yaml:"type" json:"type"`
	Min     float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max     float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Steps   int      `yaml:"steps,omitempty" json:"steps,omitempty"`
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Validate checks the spec. Values may not contain the checkpoint
// delimiters (tab and comma).
func (s ParameterSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidParameter)
	}
	if strings.ContainsAny(s.Name, ",\t\n") {
		return fmt.Errorf("%w: name %q contains a delimiter", ErrInvalidParameter, s.Name)
	}
	switch s.Kind {
	case KindFloat, KindInt:
		if s.Min > s.Max {
			return fmt.Errorf("%w: %s: min %v > max %v", ErrInvalidParameter, s.Name, s.Min, s.Max)
		}
		if s.Steps < 0 {
			return fmt.Errorf("%w: %s: negative steps", ErrInvalidParameter, s.Name)
		}
		if s.Kind == KindInt && s.Cardinality() < 1 {
			return fmt.Errorf("%w: %s: no integer in [%v, %v]", ErrInvalidParameter, s.Name, s.Min, s.Max)
		}
	case KindString:
		if len(s.Options) == 0 {
			return fmt.Errorf("%w: %s: string parameter without options", ErrInvalidParameter, s.Name)
		}
		for _, o := range s.Options {
			if strings.ContainsAny(o, ",\t\n") {
				return fmt.Errorf("%w: %s: option %q contains a delimiter", ErrInvalidParameter, s.Name, o)
			}
		}
	default:
		return fmt.Errorf("%w: %s: unknown type %q", ErrInvalidParameter, s.Name, s.Kind)
	}
	return nil
}

// Cardinality returns the number of distinct values, or -1 for a
// continuous range.
func (s ParameterSpec) Cardinality() int64 {
	switch s.Kind {
	case KindInt:
		return int64(math.Floor(s.Max)-math.Ceil(s.Min)) + 1
	case KindString:
		return int64(len(s.Options))
	default:
		if s.Min == s.Max {
			return 1
		}
		return -1
	}
}

// GridValues discretises the domain for grid enumeration.
func (s ParameterSpec) GridValues() []string {
	switch s.Kind {
	case KindString:
		out := make([]string, len(s.Options))
		copy(out, s.Options)
		return out
	case KindInt:
		lo, hi := int64(math.Ceil(s.Min)), int64(math.Floor(s.Max))
		n := hi - lo + 1
		if s.Steps <= 0 || int64(s.Steps) >= n {
			out := make([]string, 0, n)
			for v := lo; v <= hi; v++ {
				out = append(out, strconv.FormatInt(v, 10))
			}
			return out
		}
		return s.spaced(s.Steps, func(v float64) string {
			return strconv.FormatInt(int64(math.Round(v)), 10)
		})
	default:
		steps := s.Steps
		if steps <= 0 {
			steps = defaultSteps
		}
		if s.Min == s.Max {
			steps = 1
		}
		return s.spaced(steps, FormatFloat)
	}
}

func (s ParameterSpec) spaced(steps int, format func(float64) string) []string {
	if steps == 1 {
		return []string{format(s.Min)}
	}
	out := make([]string, 0, steps)
	seen := make(map[string]bool, steps)
	width := (s.Max - s.Min) / float64(steps-1)
	for i := 0; i < steps; i++ {
		v := format(s.Min + float64(i)*width)
		if i == steps-1 {
			v = format(s.Max)
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Sample draws a uniform value from the domain.
func (s ParameterSpec) Sample(rng *rand.Rand) string {
	switch s.Kind {
	case KindString:
		return s.Options[rng.Intn(len(s.Options))]
	case KindInt:
		lo := int64(math.Ceil(s.Min))
		return strconv.FormatInt(lo+rng.Int63n(s.Cardinality()), 10)
	default:
		return FormatFloat(s.Min + rng.Float64()*(s.Max-s.Min))
	}
}

// coordinate maps a value back onto the numeric axis used by pattern search.
// String options map to their index.
func (s ParameterSpec) coordinate(value string) (float64, bool) {
	if s.Kind == KindString {
		for i, o := range s.Options {
			if o == value {
				return float64(i), true
			}
		}
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// valueAt renders a coordinate, clamped into the domain.
func (s ParameterSpec) valueAt(x float64) string {
	lo, hi := s.bounds()
	x = math.Max(lo, math.Min(hi, x))
	switch s.Kind {
	case KindString:
		return s.Options[int(math.Round(x))]
	case KindInt:
		return strconv.FormatInt(int64(math.Round(x)), 10)
	default:
		return FormatFloat(x)
	}
}

func (s ParameterSpec) bounds() (float64, float64) {
	if s.Kind == KindString {
		return 0, float64(len(s.Options) - 1)
	}
	return s.Min, s.Max
}

// FormatFloat renders floats the way they are written to checkpoints.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
