package workflow

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mohammad-safakhou/ensemble/utils"
)

// Env is the variable environment a step template renders against.
type Env map[string]string

// ConfigValues is the narrow read-only view of configuration that
// project variables may pull from with `configVar`.
type ConfigValues interface {
	ConfigValue(name string) (string, bool)
}

// Var is a user variable from the project file. A var with ConfigVar set
// takes its value from configuration; a var with Eval set has its nested
// placeholders expanded once, when the environment is built.
type Var struct {
	Name      string `yaml:"name" json:"name"`
	Value     string `yaml:"value,omitempty" json:"value,omitempty"`
	ConfigVar string `yaml:"configVar,omitempty" json:"configVar,omitempty"`
	Eval      bool   `yaml:"eval,omitempty" json:"eval,omitempty"`
}

// RunContext identifies the run an environment is built for.
type RunContext struct {
	Workspace string
	Project   string
	Scenario  string
	Baseline  string
	SimID     int64
	TrialNum  int
}

// PathVars derives the automatic variables for a run: identity plus the
// directory layout under the workspace.
func PathVars(rc RunContext) map[string]string {
	simDir := utils.SimDir(rc.Workspace, rc.SimID)
	trialDir := utils.TrialDir(rc.Workspace, rc.SimID, rc.TrialNum)
	scenarioDir := filepath.Join(trialDir, rc.Scenario)
	return map[string]string{
		"project":     rc.Project,
		"scenario":    rc.Scenario,
		"baseline":    rc.Baseline,
		"simId":       strconv.FormatInt(rc.SimID, 10),
		"trialNum":    strconv.Itoa(rc.TrialNum),
		"simDir":      simDir,
		"trialDir":    trialDir,
		"scenarioDir": scenarioDir,
		"diffsDir":    filepath.Join(trialDir, "diffs"),
		"batchDir":    filepath.Join(scenarioDir, "batch"),
		"queryDir":    filepath.Join(scenarioDir, "queries"),
	}
}

// BuildEnv layers the environment: automatic path variables first, then
// user variables in declaration order. Config-sourced and eval variables
// resolve eagerly against the environment built so far, so later vars can
// reference earlier ones but never the other way around.
func BuildEnv(auto map[string]string, cfg ConfigValues, vars []Var) (Env, error) {
	env := make(Env, len(auto)+len(vars))
	for k, v := range auto {
		env[k] = v
	}
	for _, v := range vars {
		if v.Name == "" {
			return nil, fmt.Errorf("variable with empty name")
		}
		val := v.Value
		if v.ConfigVar != "" {
			if cfg == nil {
				return nil, fmt.Errorf("variable %q: no config source for %q", v.Name, v.ConfigVar)
			}
			cv, ok := cfg.ConfigValue(v.ConfigVar)
			if !ok {
				return nil, fmt.Errorf("variable %q: unknown config variable %q", v.Name, v.ConfigVar)
			}
			val = cv
		}
		if v.Eval {
			rendered, err := Render(val, env)
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", v.Name, err)
			}
			val = rendered
		}
		env[v.Name] = val
	}
	return env, nil
}
