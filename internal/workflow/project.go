package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is one experiment declaration in a project file.
type Scenario struct {
	Name        string `yaml:"name" json:"name"`
	Baseline    bool   `yaml:"baseline,omitempty" json:"baseline,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Role returns the experiment role the scenario maps to.
func (s Scenario) Role() string {
	if s.Baseline {
		return RunForBaseline
	}
	return RunForPolicy
}

// Section groups reusable step and variable declarations.
type Section struct {
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
	Vars  []Var  `yaml:"vars,omitempty" json:"vars,omitempty"`
}

// Project is a parsed project file: the scenario list plus the workflow
// declarations. Project-level steps override the defaults section by
// (name, seq, runFor) identity.
type Project struct {
	Project   string     `yaml:"project" json:"project"`
	Baseline  string     `yaml:"baseline,omitempty" json:"baseline,omitempty"`
	Scenarios []Scenario `yaml:"scenarios" json:"scenarios"`
	Steps     []Step     `yaml:"steps,omitempty" json:"steps,omitempty"`
	Vars      []Var      `yaml:"vars,omitempty" json:"vars,omitempty"`
	Defaults  Section    `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// LoadProject reads and validates a project file.
func LoadProject(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	p, err := ParseProject(raw)
	if err != nil {
		return nil, fmt.Errorf("project file %s: %w", path, err)
	}
	return p, nil
}

// ParseProject unmarshals and validates a project document.
func ParseProject(raw []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse project file: %w", err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// normalize reconciles the two baseline declarations: a scenario flagged
// baseline and the top-level baseline name must agree, and either may
// stand in for the other.
func (p *Project) normalize() error {
	p.Project = strings.TrimSpace(p.Project)
	p.Baseline = strings.TrimSpace(p.Baseline)
	for i := range p.Scenarios {
		p.Scenarios[i].Name = strings.TrimSpace(p.Scenarios[i].Name)
	}
	for _, steps := range [][]Step{p.Steps, p.Defaults.Steps} {
		for i := range steps {
			steps[i].Name = strings.TrimSpace(steps[i].Name)
			steps[i].RunFor = strings.ToLower(strings.TrimSpace(steps[i].RunFor))
			if steps[i].RunFor == "" {
				steps[i].RunFor = RunForBoth
			}
		}
	}

	if p.Baseline == "" {
		for _, s := range p.Scenarios {
			if s.Baseline {
				p.Baseline = s.Name
				break
			}
		}
	} else {
		for i := range p.Scenarios {
			if p.Scenarios[i].Name == p.Baseline {
				if !p.Scenarios[i].Baseline {
					p.Scenarios[i].Baseline = true
				}
				return nil
			}
		}
		return fmt.Errorf("baseline %q is not a declared scenario", p.Baseline)
	}
	return nil
}

// Validate checks project coherence: a name, at least one scenario,
// unique scenario names, exactly one baseline, and known step scopes.
func (p *Project) Validate() error {
	if p.Project == "" {
		return fmt.Errorf("project name is required")
	}
	if len(p.Scenarios) == 0 {
		return fmt.Errorf("project %q declares no scenarios", p.Project)
	}
	seen := make(map[string]bool, len(p.Scenarios))
	baselines := 0
	for _, s := range p.Scenarios {
		if s.Name == "" {
			return fmt.Errorf("scenario with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate scenario %q", s.Name)
		}
		seen[s.Name] = true
		if s.Baseline {
			baselines++
		}
	}
	if baselines != 1 {
		return fmt.Errorf("project %q must declare exactly one baseline scenario, found %d", p.Project, baselines)
	}
	for _, steps := range [][]Step{p.Defaults.Steps, p.Steps} {
		for _, s := range steps {
			if s.Name == "" {
				return fmt.Errorf("step with empty name")
			}
			switch s.RunFor {
			case RunForBaseline, RunForPolicy, RunForBoth:
			default:
				return fmt.Errorf("step %q: unknown runFor %q", s.Name, s.RunFor)
			}
		}
	}
	return nil
}

// MergedSteps overlays project steps on the defaults section.
func (p *Project) MergedSteps() []Step {
	return MergeSteps(p.Defaults.Steps, p.Steps)
}

// MergedVars returns default vars with project vars overriding by name.
func (p *Project) MergedVars() []Var {
	out := make([]Var, 0, len(p.Defaults.Vars)+len(p.Vars))
	out = append(out, p.Defaults.Vars...)
	for _, v := range p.Vars {
		idx := -1
		for i, d := range out {
			if d.Name == v.Name {
				idx = i
				break
			}
		}
		if idx >= 0 {
			out[idx] = v
		} else {
			out = append(out, v)
		}
	}
	return out
}

// BaselineScenario returns the project's baseline scenario.
func (p *Project) BaselineScenario() (Scenario, bool) {
	for _, s := range p.Scenarios {
		if s.Baseline {
			return s, true
		}
	}
	return Scenario{}, false
}

// Lookup returns the named scenario.
func (p *Project) Lookup(name string) (Scenario, bool) {
	for _, s := range p.Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}
