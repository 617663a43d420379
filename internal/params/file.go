// Package params loads parameter-set files and compiles them into
// per-trial input values.
//
// A parameter set is a YAML document listing named parameters, each with a
// distribution, an apply operator, optional bounds, and optional rank
// correlations with other parameters. Compiling a set draws one value per
// parameter per trial with Latin hypercube sampling and resolves linked
// parameters in dependency order.
package params

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/ensemble/internal/sampling"
)

// Draw modes. Shared parameters are drawn once per trial and reused by
// every experiment; independent parameters get a fresh draw per experiment.
const (
	ModeShared      = "shared"
	ModeIndependent = "independent"
)

// Correlation declares a target rank correlation with another parameter.
type Correlation struct {
	With        string  `yaml:"with" json:"with"`
	Coefficient float64 `yaml:"coefficient" json:"coefficient"`
}

// Parameter declares one named model input to vary across trials.
type Parameter struct {
	Name         string        `yaml:"name" json:"name"`
	Active       *bool         `yaml:"active,omitempty" json:"active,omitempty"`
	Mode         string        `yaml:"mode,omitempty" json:"mode,omitempty"`
	Apply        string        `yaml:"apply,omitempty" json:"apply,omitempty"`
	LowBound     *float64      `yaml:"lowbound,omitempty" json:"lowbound,omitempty"`
	HighBound    *float64      `yaml:"highbound,omitempty" json:"highbound,omitempty"`
	Distribution sampling.Spec `yaml:"distribution" json:"distribution"`
	Correlation  []Correlation `yaml:"correlation,omitempty" json:"correlation,omitempty"`
}

// IsActive reports whether the parameter takes part in compilation.
// Parameters default to active.
func (p Parameter) IsActive() bool {
	return p.Active == nil || *p.Active
}

// File is a parsed parameter-set document.
type File struct {
	Parameters []Parameter `yaml:"parameters" json:"parameters"`
}

// Load reads and validates a parameter set from path.
func Load(path string, reg *Registry) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameter file: %w", err)
	}
	f, err := Parse(raw, reg)
	if err != nil {
		return nil, fmt.Errorf("parameter file %s: %w", path, err)
	}
	return f, nil
}

// Parse unmarshals and validates a parameter set.
func Parse(raw []byte, reg *Registry) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse parameter file: %w", err)
	}
	f.normalize()
	if err := f.Validate(reg); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) normalize() {
	for i := range f.Parameters {
		p := &f.Parameters[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
		if p.Mode == "" {
			p.Mode = ModeShared
		}
		p.Apply = strings.ToLower(strings.TrimSpace(p.Apply))
		if p.Apply == "" {
			p.Apply = "direct"
		}
	}
}

// Active returns the active parameters in declaration order.
func (f *File) Active() []Parameter {
	out := make([]Parameter, 0, len(f.Parameters))
	for _, p := range f.Parameters {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns the declared parameter with the given name.
func (f *File) Lookup(name string) (Parameter, bool) {
	for _, p := range f.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Validate checks the whole set: unique names, known modes and operators,
// buildable distributions, coherent bounds, and resolvable linked and
// correlation references. Linked targets and correlated parameters must be
// active shared-mode parameters; correlated ones must also be stochastic,
// since deterministic columns have no ranks to induce.
func (f *File) Validate(reg *Registry) error {
	seen := make(map[string]Parameter, len(f.Parameters))
	for _, p := range f.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = p

		if p.Mode != ModeShared && p.Mode != ModeIndependent {
			return fmt.Errorf("parameter %q: unknown mode %q", p.Name, p.Mode)
		}
		if reg != nil {
			if _, ok := reg.Lookup(p.Apply); !ok {
				return fmt.Errorf("parameter %q: unknown apply operator %q", p.Name, p.Apply)
			}
		}
		if p.LowBound != nil && p.HighBound != nil && *p.LowBound > *p.HighBound {
			return fmt.Errorf("parameter %q: lowbound %v exceeds highbound %v", p.Name, *p.LowBound, *p.HighBound)
		}
		if _, err := p.Distribution.Distribution(); err != nil {
			return fmt.Errorf("parameter %q: %w", p.Name, err)
		}
	}

	for _, p := range f.Parameters {
		if !p.IsActive() {
			continue
		}
		dist, _ := p.Distribution.Distribution()

		if _, ok := dist.(sampling.Indexed); ok && p.Mode != ModeShared {
			return fmt.Errorf("parameter %q: %s distributions are trial-indexed and must use shared mode", p.Name, dist.Kind())
		}

		if linked, ok := dist.(sampling.Linked); ok {
			target, found := seen[linked.Parameter]
			if !found || !target.IsActive() {
				return fmt.Errorf("parameter %q links to unknown or inactive parameter %q", p.Name, linked.Parameter)
			}
			if target.Mode != ModeShared || p.Mode != ModeShared {
				return fmt.Errorf("parameter %q: linked parameters and their targets must use shared mode", p.Name)
			}
			if len(p.Correlation) > 0 {
				return fmt.Errorf("parameter %q: linked parameters cannot declare correlations", p.Name)
			}
		}

		for _, c := range p.Correlation {
			if err := validateCorrMember(p, "correlated parameter"); err != nil {
				return err
			}
			target, found := seen[c.With]
			if !found || !target.IsActive() {
				return fmt.Errorf("parameter %q correlates with unknown or inactive parameter %q", p.Name, c.With)
			}
			if c.With == p.Name {
				return fmt.Errorf("parameter %q correlates with itself", p.Name)
			}
			if err := validateCorrMember(target, "correlation target"); err != nil {
				return err
			}
			if c.Coefficient < -1 || c.Coefficient > 1 {
				return fmt.Errorf("correlation %s-%s: coefficient %v outside [-1, 1]", p.Name, c.With, c.Coefficient)
			}
		}
	}
	return nil
}

func validateCorrMember(p Parameter, role string) error {
	if p.Mode != ModeShared {
		return fmt.Errorf("%s %q must use shared mode", role, p.Name)
	}
	dist, _ := p.Distribution.Distribution()
	if _, ok := dist.(sampling.Quantiler); !ok || dist.Kind() == sampling.KindConstant {
		return fmt.Errorf("%s %q must have a stochastic distribution, not %s", role, p.Name, dist.Kind())
	}
	return nil
}
