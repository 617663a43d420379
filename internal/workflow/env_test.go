package workflow

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubConfig map[string]string

func (s stubConfig) ConfigValue(name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

func TestPathVarsLayout(t *testing.T) {
	chk := require.New(t)

	vars := PathVars(RunContext{
		Workspace: "/ws",
		Project:   "paper1",
		Scenario:  "tax-25",
		Baseline:  "base",
		SimID:     3,
		TrialNum:  4012,
	})

	chk.Equal("paper1", vars["project"])
	chk.Equal("tax-25", vars["scenario"])
	chk.Equal("base", vars["baseline"])
	chk.Equal("3", vars["simId"])
	chk.Equal("4012", vars["trialNum"])
	chk.Equal(filepath.Join("/ws", "sims", "s003"), vars["simDir"])
	chk.Equal(filepath.Join("/ws", "sims", "s003", "004", "012"), vars["trialDir"])
	chk.Equal(filepath.Join(vars["trialDir"], "tax-25"), vars["scenarioDir"])
	chk.Equal(filepath.Join(vars["trialDir"], "diffs"), vars["diffsDir"])
	chk.Equal(filepath.Join(vars["scenarioDir"], "batch"), vars["batchDir"])
	chk.Equal(filepath.Join(vars["scenarioDir"], "queries"), vars["queryDir"])
}

func TestBuildEnvResolvesInDeclarationOrder(t *testing.T) {
	chk := require.New(t)

	env, err := BuildEnv(map[string]string{"scenario": "tax-25"}, nil, []Var{
		{Name: "years", Value: "2020-2050"},
		{Name: "batchFile", Value: "{scenario}-{years}.xml", Eval: true},
	})
	chk.NoError(err)
	chk.Equal("tax-25-2020-2050.xml", env["batchFile"])
}

func TestBuildEnvWithoutEvalKeepsTemplate(t *testing.T) {
	chk := require.New(t)

	env, err := BuildEnv(nil, nil, []Var{{Name: "raw", Value: "{scenario}.xml"}})
	chk.NoError(err)
	chk.Equal("{scenario}.xml", env["raw"])
}

func TestBuildEnvConfigVar(t *testing.T) {
	chk := require.New(t)

	cfg := stubConfig{"files.gcam_dir": "/opt/gcam"}
	env, err := BuildEnv(nil, cfg, []Var{{Name: "gcamDir", ConfigVar: "files.gcam_dir"}})
	chk.NoError(err)
	chk.Equal("/opt/gcam", env["gcamDir"])

	_, err = BuildEnv(nil, cfg, []Var{{Name: "refWorkspace", ConfigVar: "files.ref_workspace"}})
	chk.Error(err)
	chk.Contains(err.Error(), "files.ref_workspace")

	_, err = BuildEnv(nil, nil, []Var{{Name: "gcamDir", ConfigVar: "files.gcam_dir"}})
	chk.Error(err)
}

func TestBuildEnvEvalReportsMissing(t *testing.T) {
	chk := require.New(t)

	_, err := BuildEnv(nil, nil, []Var{
		{Name: "batchFile", Value: "{scenario}.xml", Eval: true},
	})
	chk.Error(err)
	chk.True(errors.Is(err, ErrUnresolvedVariable))
	chk.Contains(err.Error(), `variable "batchFile"`)
}

func TestBuildEnvLaterVarsShadowEarlier(t *testing.T) {
	chk := require.New(t)

	env, err := BuildEnv(map[string]string{"queryDir": "/auto"}, nil, []Var{
		{Name: "queryDir", Value: "/custom/queries"},
	})
	chk.NoError(err)
	chk.Equal("/custom/queries", env["queryDir"])
}
