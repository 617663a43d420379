// Package results turns a succeeded run's query-output CSV files into
// stored scalar and timeseries values, and computes per-trial differences
// between policy and baseline scalars.
package results

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Result types.
const (
	TypeScenario = "scenario"
	TypeDiff     = "diff"
)

// Constraint ops.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpStartsWith = "startswith"
	OpEndsWith   = "endswith"
	OpContains   = "contains"
)

// Constraint filters query rows by one column. All constraints on a
// result must match for a row to count.
type Constraint struct {
	Column string `yaml:"column" json:"column"`
	Op     string `yaml:"op" json:"op"`
	Value  string `yaml:"value" json:"value"`
}

// Match applies the constraint to one cell value.
func (c Constraint) Match(v string) bool {
	switch c.Op {
	case OpNeq:
		return v != c.Value
	case OpStartsWith:
		return strings.HasPrefix(v, c.Value)
	case OpEndsWith:
		return strings.HasSuffix(v, c.Value)
	case OpContains:
		return strings.Contains(v, c.Value)
	default:
		return v == c.Value
	}
}

// Years bounds a cumulative sum, inclusive on both ends.
type Years struct {
	First int `yaml:"first" json:"first"`
	Last  int `yaml:"last" json:"last"`
}

// Result is one declared output. Scenario results extract from a query
// CSV; diff results subtract stored baseline scalars from policy scalars
// and need no file of their own.
type Result struct {
	Name        string       `yaml:"name" json:"name"`
	Type        string       `yaml:"type,omitempty" json:"type,omitempty"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	File        string       `yaml:"file,omitempty" json:"file,omitempty"`
	Column      string       `yaml:"column,omitempty" json:"column,omitempty"`
	Percentage  bool         `yaml:"percentage,omitempty" json:"percentage,omitempty"`
	Cumulative  bool         `yaml:"cumulative,omitempty" json:"cumulative,omitempty"`
	Years       *Years       `yaml:"years,omitempty" json:"years,omitempty"`
	Source      string       `yaml:"source,omitempty" json:"source,omitempty"`
	Constraints []Constraint `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// IsScalar reports whether scenario extraction yields one value rather
// than a timeseries.
func (r Result) IsScalar() bool { return r.Column != "" || r.Cumulative }

// File is a parsed results file.
type File struct {
	Results []Result `yaml:"results" json:"results"`
}

// Load reads and validates a results file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results file: %w", err)
	}
	f, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("results file %s: %w", path, err)
	}
	return f, nil
}

// Parse unmarshals and validates a results document.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse results file: %w", err)
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) normalize() {
	for i := range f.Results {
		r := &f.Results[i]
		r.Name = strings.TrimSpace(r.Name)
		r.Type = strings.ToLower(strings.TrimSpace(r.Type))
		if r.Type == "" {
			r.Type = TypeScenario
		}
		r.Source = strings.TrimSpace(r.Source)
		for j := range r.Constraints {
			r.Constraints[j].Op = strings.ToLower(strings.TrimSpace(r.Constraints[j].Op))
			if r.Constraints[j].Op == "" {
				r.Constraints[j].Op = OpEq
			}
		}
	}
}

// Validate checks every result declaration.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Results))
	for _, r := range f.Results {
		if r.Name == "" {
			return fmt.Errorf("result with empty name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate result %q", r.Name)
		}
		seen[r.Name] = true

		switch r.Type {
		case TypeScenario:
			if r.File == "" {
				return fmt.Errorf("result %q: scenario results need a file", r.Name)
			}
			if r.Column != "" && r.Cumulative {
				return fmt.Errorf("result %q: column and cumulative are mutually exclusive", r.Name)
			}
			if r.Percentage {
				return fmt.Errorf("result %q: percentage only applies to diff results", r.Name)
			}
			if r.Source != "" {
				return fmt.Errorf("result %q: source only applies to diff results", r.Name)
			}
		case TypeDiff:
			if r.Source == "" {
				return fmt.Errorf("result %q: diff results need a source result", r.Name)
			}
			if r.File != "" || r.Column != "" || len(r.Constraints) > 0 {
				return fmt.Errorf("result %q: diff results read stored values, not files", r.Name)
			}
		default:
			return fmt.Errorf("result %q: unknown type %q", r.Name, r.Type)
		}

		if r.Years != nil {
			if !r.Cumulative {
				return fmt.Errorf("result %q: years require cumulative", r.Name)
			}
			if r.Years.Last < r.Years.First {
				return fmt.Errorf("result %q: year range %d-%d is inverted", r.Name, r.Years.First, r.Years.Last)
			}
		}
		for _, c := range r.Constraints {
			if c.Column == "" {
				return fmt.Errorf("result %q: constraint with empty column", r.Name)
			}
			switch c.Op {
			case OpEq, OpNeq, OpStartsWith, OpEndsWith, OpContains:
			default:
				return fmt.Errorf("result %q: unknown constraint op %q", r.Name, c.Op)
			}
		}
	}

	// Diff sources must resolve to a scalar-producing scenario result.
	for _, r := range f.Results {
		if r.Type != TypeDiff {
			continue
		}
		src, ok := f.Lookup(r.Source)
		if !ok {
			return fmt.Errorf("result %q: unknown source result %q", r.Name, r.Source)
		}
		if src.Type != TypeScenario || !src.IsScalar() {
			return fmt.Errorf("result %q: source %q must be a scalar scenario result", r.Name, r.Source)
		}
	}
	return nil
}

// ByType returns the declared results of one type, in declaration order.
func (f *File) ByType(t string) []Result {
	var out []Result
	for _, r := range f.Results {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Lookup returns the named result.
func (f *File) Lookup(name string) (Result, bool) {
	for _, r := range f.Results {
		if r.Name == name {
			return r, true
		}
	}
	return Result{}, false
}
