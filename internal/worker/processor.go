// Package worker pulls runs from the store and executes their workflow
// steps. Workers never talk to the master: the claim predicate in the
// store hands a worker only runs it may start, and a lost claim race just
// means another worker got there first.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/ensemble/internal/params"
	"github.com/mohammad-safakhou/ensemble/internal/store"
	"github.com/mohammad-safakhou/ensemble/internal/workflow"
	"github.com/mohammad-safakhou/ensemble/utils"
)

// claimBatch bounds how many claim candidates one poll fetches.
const claimBatch = 10

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	GetSimulation(ctx context.Context, simID int64) (store.Simulation, bool, error)
	ListClaimable(ctx context.Context, simID int64, limit int) ([]store.RunInfo, error)
	ClaimRun(ctx context.Context, runID int64, workerID, jobID string) (bool, error)
	MarkRunning(ctx context.Context, runID int64, workerID string) error
	FinishRun(ctx context.Context, runID int64, status string, errMsg *string) error
	InputValuesForTrial(ctx context.Context, simID int64, trialNum int, expID int64) ([]store.TrialInput, error)
}

// Collector extracts results from a finished run's output files. The
// results package provides the real one.
type Collector interface {
	CollectRun(ctx context.Context, run store.RunInfo, env workflow.Env) error
}

// Options are the worker knobs from the worker and dispatch config
// sections.
type Options struct {
	Workspace string
	// JobID is the cluster job this worker runs inside, when the
	// scheduler exports one (SLURM_JOB_ID and friends).
	JobID            string
	PollInterval     time.Duration
	IdleExitPolls    int
	MinutesPerRun    int
	ShutdownWhenIdle bool
	// ReferenceInputs points at the optional nominal-values CSV that
	// add/multiply operators apply against.
	ReferenceInputs string
	AutoCollect     bool
}

// Processor is one worker: a claim loop plus step execution.
type Processor struct {
	id        string
	store     StoreAPI
	runner    CommandRunner
	registry  *params.Registry
	project   *workflow.Project
	cfgVals   workflow.ConfigValues
	collector Collector
	opts      Options
	logger    *log.Logger
	reference map[string]float64
}

// NewProcessor builds a worker with a fresh identity. runner, reg, cfg,
// and collector may be nil; the reference CSV is loaded here so a bad
// path fails before any run is claimed.
func NewProcessor(st StoreAPI, runner CommandRunner, reg *params.Registry, project *workflow.Project, cfg workflow.ConfigValues, collector Collector, opts Options, logger *log.Logger) (*Processor, error) {
	if st == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if project == nil {
		return nil, fmt.Errorf("worker: project is required")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	}
	if runner == nil {
		runner = &ShellRunner{Log: logger}
	}
	if reg == nil {
		reg = params.NewRegistry()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.IdleExitPolls <= 0 {
		opts.IdleExitPolls = 3
	}

	p := &Processor{
		id:        fmt.Sprintf("worker-%s", uuid.NewString()[:8]),
		store:     st,
		runner:    runner,
		registry:  reg,
		project:   project,
		cfgVals:   cfg,
		collector: collector,
		opts:      opts,
		logger:    logger,
	}
	if opts.ReferenceInputs != "" {
		ref, err := ReadReferenceValues(opts.ReferenceInputs)
		if err != nil {
			return nil, err
		}
		p.reference = ref
	}
	return p, nil
}

// ID returns the worker identity recorded on claimed runs.
func (p *Processor) ID() string { return p.id }

// Run claims and executes runs until ctx ends or, with ShutdownWhenIdle,
// until IdleExitPolls consecutive polls find nothing claimable.
func (p *Processor) Run(ctx context.Context, simID int64) error {
	sim, ok, err := p.store.GetSimulation(ctx, simID)
	if err != nil {
		return fmt.Errorf("load simulation %d: %w", simID, err)
	}
	if !ok {
		return fmt.Errorf("simulation %d not found", simID)
	}
	p.logger.Printf("%s polling sim %d (%s)", p.id, simID, sim.Name)

	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidates, err := p.store.ListClaimable(ctx, simID, claimBatch)
		if err != nil {
			return fmt.Errorf("list claimable: %w", err)
		}

		claimed := false
		for _, run := range candidates {
			ok, err := p.store.ClaimRun(ctx, run.RunID, p.id, p.opts.JobID)
			if err != nil {
				return fmt.Errorf("claim run %d: %w", run.RunID, err)
			}
			if !ok {
				continue
			}
			claimed = true
			idle = 0
			p.execute(ctx, sim, run)
			break
		}
		if claimed {
			continue
		}

		idle++
		if p.opts.ShutdownWhenIdle && idle >= p.opts.IdleExitPolls {
			p.logger.Printf("%s: nothing claimable after %d polls, exiting", p.id, idle)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *Processor) execute(ctx context.Context, sim store.Simulation, run store.RunInfo) {
	p.logger.Printf("%s: claimed run %d (trial %d, %s)", p.id, run.RunID, run.TrialNum, run.Experiment)
	if err := p.store.MarkRunning(ctx, run.RunID, p.id); err != nil {
		p.logger.Printf("%s: run %d not started: %v", p.id, run.RunID, err)
		return
	}
	start := time.Now()
	env, err := p.runSteps(ctx, sim, run)
	p.finish(run, err, time.Since(start))
	if err == nil && p.opts.AutoCollect && p.collector != nil {
		if cerr := p.collector.CollectRun(ctx, run, env); cerr != nil {
			p.logger.Printf("%s: collect run %d: %v", p.id, run.RunID, cerr)
		}
	}
}

func (p *Processor) runSteps(ctx context.Context, sim store.Simulation, run store.RunInfo) (workflow.Env, error) {
	rc := workflow.RunContext{
		Workspace: p.opts.Workspace,
		Project:   p.project.Project,
		Scenario:  run.Experiment,
		Baseline:  p.project.Baseline,
		SimID:     sim.SimID,
		TrialNum:  run.TrialNum,
	}
	env, err := workflow.BuildEnv(workflow.PathVars(rc), p.cfgVals, p.project.MergedVars())
	if err != nil {
		return nil, err
	}

	trialDir := utils.TrialDir(p.opts.Workspace, sim.SimID, run.TrialNum)
	if err := os.MkdirAll(filepath.Join(trialDir, run.Experiment), 0o755); err != nil {
		return nil, err
	}

	inputs, err := p.store.InputValuesForTrial(ctx, sim.SimID, run.TrialNum, run.ExpID)
	if err != nil {
		return nil, fmt.Errorf("load inputs: %w", err)
	}
	if _, err := MaterializeInputs(trialDir, p.reference, inputs, p.registry); err != nil {
		return nil, err
	}

	steps, err := workflow.Resolve(p.project.MergedSteps(), run.Role, env)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if p.opts.MinutesPerRun > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(p.opts.MinutesPerRun)*time.Minute)
		defer cancel()
	}
	for _, step := range steps {
		p.logger.Printf("%s: run %d step %s (seq %d)", p.id, run.RunID, step.Name, step.Seq)
		if err := p.runner.Run(runCtx, trialDir, step.Command); err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("step %s: timeout after %dm", step.Name, p.opts.MinutesPerRun)
			}
			return nil, fmt.Errorf("step %s: %w", step.Name, err)
		}
	}
	return env, nil
}

// finish records the terminal status on a fresh context so an interrupted
// worker still reports the run it was on.
func (p *Processor) finish(run store.RunInfo, runErr error, took time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if runErr == nil {
		if err := p.store.FinishRun(ctx, run.RunID, store.RunStatusSucceeded, nil); err != nil {
			p.logger.Printf("%s: record success for run %d: %v", p.id, run.RunID, err)
			return
		}
		p.logger.Printf("%s: run %d succeeded in %s", p.id, run.RunID, took.Round(time.Second))
		return
	}
	msg := runErr.Error()
	if err := p.store.FinishRun(ctx, run.RunID, store.RunStatusFailed, &msg); err != nil {
		p.logger.Printf("%s: record failure for run %d: %v", p.id, run.RunID, err)
		return
	}
	p.logger.Printf("%s: run %d failed after %s: %v", p.id, run.RunID, took.Round(time.Second), runErr)
}
