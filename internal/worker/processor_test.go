package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/ensemble/internal/store"
	"github.com/mohammad-safakhou/ensemble/internal/workflow"
	"github.com/mohammad-safakhou/ensemble/utils"
)

type stubStore struct {
	sim        store.Simulation
	simMissing bool

	claimables [][]store.RunInfo
	listIdx    int

	claims map[int64]bool
	inputs []store.TrialInput

	events []string
}

func (s *stubStore) GetSimulation(ctx context.Context, simID int64) (store.Simulation, bool, error) {
	if s.simMissing {
		return store.Simulation{}, false, nil
	}
	return s.sim, true, nil
}

func (s *stubStore) ListClaimable(ctx context.Context, simID int64, limit int) ([]store.RunInfo, error) {
	s.events = append(s.events, "list")
	if s.listIdx < len(s.claimables) {
		c := s.claimables[s.listIdx]
		s.listIdx++
		return c, nil
	}
	return nil, nil
}

func (s *stubStore) ClaimRun(ctx context.Context, runID int64, workerID, jobID string) (bool, error) {
	won := true
	if s.claims != nil {
		won = s.claims[runID]
	}
	s.events = append(s.events, fmt.Sprintf("claim:%d:%t", runID, won))
	return won, nil
}

func (s *stubStore) MarkRunning(ctx context.Context, runID int64, workerID string) error {
	s.events = append(s.events, fmt.Sprintf("running:%d", runID))
	return nil
}

func (s *stubStore) FinishRun(ctx context.Context, runID int64, status string, errMsg *string) error {
	msg := ""
	if errMsg != nil {
		msg = *errMsg
	}
	s.events = append(s.events, fmt.Sprintf("finish:%d:%s:%s", runID, status, msg))
	return nil
}

func (s *stubStore) InputValuesForTrial(ctx context.Context, simID int64, trialNum int, expID int64) ([]store.TrialInput, error) {
	s.events = append(s.events, "inputs")
	return s.inputs, nil
}

type stubRunner struct {
	dirs     []string
	commands []string
	failOn   string
	lastCtx  context.Context
}

func (r *stubRunner) Run(ctx context.Context, dir, command string) error {
	r.lastCtx = ctx
	r.dirs = append(r.dirs, dir)
	r.commands = append(r.commands, command)
	if r.failOn != "" && strings.Contains(command, r.failOn) {
		return fmt.Errorf("exit status 1")
	}
	return nil
}

type stubCollector struct {
	runs []store.RunInfo
	envs []workflow.Env
	err  error
}

func (c *stubCollector) CollectRun(ctx context.Context, run store.RunInfo, env workflow.Env) error {
	c.runs = append(c.runs, run)
	c.envs = append(c.envs, env)
	return c.err
}

const testProjectDoc = `
project: test
scenarios:
  - name: base
    baseline: true
  - name: tax
steps:
  - name: setup
    seq: 1
    command: "prepare {trialDir}"
  - name: model
    seq: 5
    command: "run-model {scenario}"
  - name: report
    seq: 9
    runFor: policy
    command: "diff {scenarioDir}"
`

func testProject(t *testing.T) *workflow.Project {
	t.Helper()
	p, err := workflow.ParseProject([]byte(testProjectDoc))
	if err != nil {
		t.Fatalf("parse project: %v", err)
	}
	return p
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Workspace:        t.TempDir(),
		PollInterval:     time.Millisecond,
		IdleExitPolls:    1,
		ShutdownWhenIdle: true,
	}
}

func runWorker(t *testing.T, p *Processor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Run(ctx, 1)
}

func TestWorkerExecutesBaselineRun(t *testing.T) {
	run := store.RunInfo{RunID: 3, SimID: 1, ExpID: 5, Experiment: "base", Role: "baseline", TrialNum: 0, Status: "pending"}
	st := &stubStore{
		sim:        store.Simulation{SimID: 1, Name: "demo", Trials: 1},
		claimables: [][]store.RunInfo{{run}},
	}
	runner := &stubRunner{}
	opts := testOptions(t)

	p, err := NewProcessor(st, runner, nil, testProject(t), nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err != nil {
		t.Fatalf("worker: %v", err)
	}

	trialDir := utils.TrialDir(opts.Workspace, 1, 0)
	want := []string{"prepare " + trialDir, "run-model base"}
	if len(runner.commands) != len(want) {
		t.Fatalf("commands = %v, want %v", runner.commands, want)
	}
	for i := range want {
		if runner.commands[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, runner.commands[i], want[i])
		}
		if runner.dirs[i] != trialDir {
			t.Fatalf("step %d ran in %q, want %q", i, runner.dirs[i], trialDir)
		}
	}

	joined := strings.Join(st.events, " ")
	if !strings.Contains(joined, "claim:3:true running:3 inputs finish:3:succeeded:") {
		t.Fatalf("unexpected event order: %v", st.events)
	}
	if !strings.HasPrefix(p.ID(), "worker-") {
		t.Fatalf("worker id %q", p.ID())
	}
}

func TestWorkerMaterializesInputs(t *testing.T) {
	refPath := filepath.Join(t.TempDir(), "reference.csv")
	if err := os.WriteFile(refPath, []byte("name,value\nco2-coef,2.0\n"), 0o644); err != nil {
		t.Fatalf("write reference: %v", err)
	}

	run := store.RunInfo{RunID: 3, SimID: 1, ExpID: 5, Experiment: "base", Role: "baseline", TrialNum: 4}
	st := &stubStore{
		sim:        store.Simulation{SimID: 1, Name: "demo"},
		claimables: [][]store.RunInfo{{run}},
		inputs: []store.TrialInput{
			{Name: "co2-coef", Apply: "multiply", Value: 1.5},
			{Name: "discount-rate", Apply: "direct", Value: 0.07},
		},
	}
	opts := testOptions(t)
	opts.ReferenceInputs = refPath

	p, err := NewProcessor(st, &stubRunner{}, nil, testProject(t), nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err != nil {
		t.Fatalf("worker: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(utils.TrialDir(opts.Workspace, 1, 4), TrialDataFile))
	if err != nil {
		t.Fatalf("read trial data: %v", err)
	}
	got := strings.TrimSpace(string(raw))
	want := "name,value\nco2-coef,3\ndiscount-rate,0.07"
	if got != want {
		t.Fatalf("trial data = %q, want %q", got, want)
	}
}

func TestWorkerMovesOnAfterLostClaim(t *testing.T) {
	runs := []store.RunInfo{
		{RunID: 7, SimID: 1, ExpID: 5, Experiment: "base", Role: "baseline", TrialNum: 0},
		{RunID: 8, SimID: 1, ExpID: 5, Experiment: "base", Role: "baseline", TrialNum: 1},
	}
	st := &stubStore{
		sim:        store.Simulation{SimID: 1},
		claimables: [][]store.RunInfo{runs},
		claims:     map[int64]bool{7: false, 8: true},
	}

	p, err := NewProcessor(st, &stubRunner{}, nil, testProject(t), nil, nil, testOptions(t), nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err != nil {
		t.Fatalf("worker: %v", err)
	}

	joined := strings.Join(st.events, " ")
	if !strings.Contains(joined, "claim:7:false claim:8:true running:8") {
		t.Fatalf("expected to move to the next candidate: %v", st.events)
	}
}

func TestWorkerRecordsStepFailure(t *testing.T) {
	run := store.RunInfo{RunID: 3, SimID: 1, ExpID: 5, Experiment: "base", Role: "baseline", TrialNum: 0}
	st := &stubStore{
		sim:        store.Simulation{SimID: 1},
		claimables: [][]store.RunInfo{{run}},
	}
	runner := &stubRunner{failOn: "run-model"}

	p, err := NewProcessor(st, runner, nil, testProject(t), nil, nil, testOptions(t), nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err != nil {
		t.Fatalf("worker: %v", err)
	}

	var finish string
	for _, e := range st.events {
		if strings.HasPrefix(e, "finish:3:") {
			finish = e
		}
	}
	if !strings.HasPrefix(finish, "finish:3:failed:step model") {
		t.Fatalf("expected failure recorded with the step name, got %q", finish)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("expected execution to stop at the failing step, ran %v", runner.commands)
	}
}

func TestWorkerIdleExit(t *testing.T) {
	st := &stubStore{sim: store.Simulation{SimID: 1}}
	opts := testOptions(t)
	opts.IdleExitPolls = 2

	p, err := NewProcessor(st, &stubRunner{}, nil, testProject(t), nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err != nil {
		t.Fatalf("worker: %v", err)
	}

	lists := 0
	for _, e := range st.events {
		if e == "list" {
			lists++
		}
	}
	if lists != 2 {
		t.Fatalf("expected 2 idle polls before exit, got %d", lists)
	}
}

func TestWorkerAutoCollect(t *testing.T) {
	run := store.RunInfo{RunID: 3, SimID: 1, ExpID: 5, Experiment: "tax", Role: "policy", TrialNum: 0}
	st := &stubStore{
		sim:        store.Simulation{SimID: 1},
		claimables: [][]store.RunInfo{{run}},
	}
	collector := &stubCollector{err: fmt.Errorf("no result file")}
	opts := testOptions(t)
	opts.AutoCollect = true

	p, err := NewProcessor(st, &stubRunner{}, nil, testProject(t), nil, collector, opts, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err != nil {
		t.Fatalf("worker: %v", err)
	}

	if len(collector.runs) != 1 || collector.runs[0].RunID != 3 {
		t.Fatalf("expected one collected run, got %+v", collector.runs)
	}
	if collector.envs[0]["scenario"] != "tax" {
		t.Fatalf("collector env missing scenario: %v", collector.envs[0])
	}
	// A collect failure must not change the recorded run status.
	joined := strings.Join(st.events, " ")
	if !strings.Contains(joined, "finish:3:succeeded:") {
		t.Fatalf("run should stay succeeded despite collect error: %v", st.events)
	}
}

func TestWorkerAppliesRunDeadline(t *testing.T) {
	run := store.RunInfo{RunID: 3, SimID: 1, ExpID: 5, Experiment: "base", Role: "baseline", TrialNum: 0}
	st := &stubStore{
		sim:        store.Simulation{SimID: 1},
		claimables: [][]store.RunInfo{{run}},
	}
	runner := &stubRunner{}
	opts := testOptions(t)
	opts.MinutesPerRun = 30

	p, err := NewProcessor(st, runner, nil, testProject(t), nil, nil, opts, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err != nil {
		t.Fatalf("worker: %v", err)
	}

	deadline, ok := runner.lastCtx.Deadline()
	if !ok {
		t.Fatalf("expected a run deadline")
	}
	left := time.Until(deadline)
	if left < 29*time.Minute || left > 31*time.Minute {
		t.Fatalf("deadline %s from now, want about 30m", left)
	}
}

func TestNewProcessorValidation(t *testing.T) {
	if _, err := NewProcessor(nil, nil, nil, testProject(t), nil, nil, Options{}, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewProcessor(&stubStore{}, nil, nil, nil, nil, nil, Options{}, nil); err == nil {
		t.Fatalf("expected error for nil project")
	}
	opts := Options{ReferenceInputs: "/does/not/exist.csv"}
	if _, err := NewProcessor(&stubStore{}, nil, nil, testProject(t), nil, nil, opts, nil); err == nil {
		t.Fatalf("expected error for missing reference file")
	}
}

func TestWorkerUnknownSimulation(t *testing.T) {
	st := &stubStore{simMissing: true}
	p, err := NewProcessor(st, &stubRunner{}, nil, testProject(t), nil, nil, testOptions(t), nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := runWorker(t, p); err == nil {
		t.Fatalf("expected error for unknown simulation")
	}
}
