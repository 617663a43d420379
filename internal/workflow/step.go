// Package workflow turns a project file's step declarations into the
// ordered command list a worker executes for one run. Steps carry a
// sequence number and a scope (baseline, policy, or both); commands are
// templates over a variable environment built per run.
package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Step scopes.
const (
	RunForBaseline = "baseline"
	RunForPolicy   = "policy"
	RunForBoth     = "both"
)

// ErrUnresolvedVariable reports a {placeholder} with no value in the
// environment. Templates never pass through verbatim.
var ErrUnresolvedVariable = errors.New("unresolved variable")

// Step is one workflow command. Identity for override purposes is the
// (Name, Seq, RunFor) triple.
type Step struct {
	Name    string `yaml:"name" json:"name"`
	Seq     int    `yaml:"seq" json:"seq"`
	RunFor  string `yaml:"runFor,omitempty" json:"runFor,omitempty"`
	Command string `yaml:"command" json:"command"`
}

// AppliesTo reports whether the step runs for an experiment role.
func (s Step) AppliesTo(role string) bool {
	switch s.RunFor {
	case RunForBaseline:
		return role == RunForBaseline
	case RunForPolicy:
		return role == RunForPolicy
	default:
		return true
	}
}

type stepKey struct {
	name   string
	seq    int
	runFor string
}

func (s Step) key() stepKey { return stepKey{s.Name, s.Seq, s.RunFor} }

// MergeSteps overlays overrides on defaults. An override with the same
// (name, seq, runFor) identity replaces the default; an override with an
// empty command deletes it; anything unmatched is appended. An
// empty-command override that matches nothing is dropped.
func MergeSteps(defaults, overrides []Step) []Step {
	out := make([]Step, 0, len(defaults)+len(overrides))
	out = append(out, defaults...)
	for _, o := range overrides {
		idx := -1
		for i, s := range out {
			if s.key() == o.key() {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			if strings.TrimSpace(o.Command) != "" {
				out = append(out, o)
			}
		case strings.TrimSpace(o.Command) == "":
			out = append(out[:idx], out[idx+1:]...)
		default:
			out[idx] = o
		}
	}
	return out
}

// Resolve filters steps to those applying to role, orders them by seq
// (declaration order on ties), and renders each command against env.
func Resolve(steps []Step, role string, env Env) ([]Step, error) {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		if s.AppliesTo(role) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	for i := range out {
		cmd, err := Render(out[i].Command, env)
		if err != nil {
			return nil, fmt.Errorf("step %q (seq %d): %w", out[i].Name, out[i].Seq, err)
		}
		out[i].Command = cmd
	}
	return out, nil
}

var varPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes every {name} placeholder from env. Any placeholder
// without a value fails the whole template.
func Render(template string, env Env) (string, error) {
	var missing []string
	out := varPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := env[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedVariable, strings.Join(missing, ", "))
	}
	return out, nil
}
