// Package definition holds the job definitions clients schedule by id.
package definition

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/evalsearch/internal/candidate"
)

// DefaultStrategy is used when a definition names none.
const DefaultStrategy = "grid"

var (
	ErrInvalidDefinition = errors.New("invalid job definition")

	idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Definition describes one evaluation job: which program to run on which
// dataset, the parameters to optimise and the measures to record.
type Definition struct {
	ID      string `yaml:"id" json:"id"`
	Program string `yaml:"program" json:"program"`
	Dataset string `yaml:"dataset" json:"dataset"`

	// Command is the argument vector run per iteration. Each element is a
	// text/template rendered with the iteration's parameters.
	Command []string      `yaml:"command,omitempty" json:"command,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Strategy   string                    `yaml:"strategy" json:"strategy"`
	Iterations int64                     `yaml:"iterations,omitempty" json:"iterations,omitempty"`
	Seed       int64                     `yaml:"seed,omitempty" json:"seed,omitempty"`
	Parameters []candidate.ParameterSpec `yaml:"parameters" json:"parameters"`
	Measures   []string                  `yaml:"measures" json:"measures"`
}

// ParameterNames returns the optimised parameter names in order.
func (d Definition) ParameterNames() []string {
	names := make([]string, len(d.Parameters))
	for i, p := range d.Parameters {
		names[i] = p.Name
	}
	return names
}

// Validate checks the definition on its own. Whether strategy and measure
// names are registered is checked by the runner.
func (d Definition) Validate() error {
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidDefinition, d.ID, idPattern)
	}
	if d.Iterations < 0 {
		return fmt.Errorf("%w: %s: negative iterations", ErrInvalidDefinition, d.ID)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: %s: negative timeout", ErrInvalidDefinition, d.ID)
	}
	if len(d.Parameters) == 0 {
		return fmt.Errorf("%w: %s: no parameters", ErrInvalidDefinition, d.ID)
	}
	seen := make(map[string]bool)
	for _, p := range d.Parameters {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, d.ID, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s: duplicate parameter %q", ErrInvalidDefinition, d.ID, p.Name)
		}
		seen[p.Name] = true
	}
	if len(d.Measures) == 0 {
		return fmt.Errorf("%w: %s: no quality measures", ErrInvalidDefinition, d.ID)
	}
	seen = make(map[string]bool)
	for _, m := range d.Measures {
		if m == "" || strings.ContainsAny(m, ",\t\n") {
			return fmt.Errorf("%w: %s: bad measure name %q", ErrInvalidDefinition, d.ID, m)
		}
		if seen[m] {
			return fmt.Errorf("%w: %s: duplicate measure %q", ErrInvalidDefinition, d.ID, m)
		}
		seen[m] = true
	}
	return nil
}

// Parse decodes a YAML definition, applies defaults and validates it.
func Parse(data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if d.Strategy == "" {
		d.Strategy = DefaultStrategy
	}
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// LoadFile reads one definition file.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	d, err := Parse(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
