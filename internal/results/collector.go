package results

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mohammad-safakhou/ensemble/internal/store"
	"github.com/mohammad-safakhou/ensemble/internal/workflow"
)

// StoreAPI is the slice of the store the collector needs.
type StoreAPI interface {
	SucceededRuns(ctx context.Context, simID int64, trials []int) ([]store.RunInfo, error)
	GetOutputValue(ctx context.Context, runID int64, resultName string) (float64, bool, error)
	SaveRunResults(ctx context.Context, runID int64, names []string, scalars map[string]float64, series map[string][]store.YearValue) error
}

// Stats summarizes one collection pass.
type Stats struct {
	Runs    int
	Failed  int
	Scalars int
	Series  int
	Diffs   int
	Gaps    int
}

// Collector extracts declared results from query-output CSVs and stores
// them. It also computes diff results by subtracting stored baseline
// scalars from policy scalars, trial by trial.
type Collector struct {
	store     StoreAPI
	spec      *File
	project   *workflow.Project
	cfgVals   workflow.ConfigValues
	workspace string
	logger    *log.Logger
}

// NewCollector wires a collector. The config source may be nil when no
// project variable uses configVar.
func NewCollector(st StoreAPI, spec *File, project *workflow.Project, cfg workflow.ConfigValues, workspace string, logger *log.Logger) (*Collector, error) {
	if st == nil {
		return nil, fmt.Errorf("collector needs a store")
	}
	if spec == nil {
		return nil, fmt.Errorf("collector needs a results file")
	}
	if project == nil {
		return nil, fmt.Errorf("collector needs a project")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[COLLECT] ", log.LstdFlags)
	}
	return &Collector{
		store:     st,
		spec:      spec,
		project:   project,
		cfgVals:   cfg,
		workspace: workspace,
		logger:    logger,
	}, nil
}

// CollectRun extracts every scenario result for one succeeded run and
// replaces the run's stored rows. Any extraction failure aborts the run's
// collection before anything is written.
func (c *Collector) CollectRun(ctx context.Context, run store.RunInfo, env workflow.Env) error {
	_, _, err := c.collectScenario(ctx, run, env)
	return err
}

func (c *Collector) collectScenario(ctx context.Context, run store.RunInfo, env workflow.Env) (int, int, error) {
	defs := c.spec.ByType(TypeScenario)
	if len(defs) == 0 {
		return 0, 0, nil
	}

	names := make([]string, 0, len(defs))
	scalars := make(map[string]float64)
	series := make(map[string][]store.YearValue)
	tables := make(map[string]*QueryTable)

	for _, def := range defs {
		names = append(names, def.Name)

		path, err := workflow.Render(def.File, env)
		if err != nil {
			return 0, 0, fmt.Errorf("result %q: %w", def.Name, err)
		}
		table, ok := tables[path]
		if !ok {
			table, err = ReadQueryTable(path)
			if err != nil {
				return 0, 0, fmt.Errorf("result %q: %w", def.Name, err)
			}
			tables[path] = table
		}

		if def.Column != "" {
			v, err := extractScalar(table, def)
			if err != nil {
				return 0, 0, fmt.Errorf("result %q: %w", def.Name, err)
			}
			scalars[def.Name] = v
		} else if def.Cumulative {
			v, err := extractCumulative(table, def)
			if err != nil {
				return 0, 0, fmt.Errorf("result %q: %w", def.Name, err)
			}
			scalars[def.Name] = v
		} else {
			ts, err := extractTimeseries(table, def)
			if err != nil {
				return 0, 0, fmt.Errorf("result %q: %w", def.Name, err)
			}
			series[def.Name] = ts
		}
	}

	if err := c.store.SaveRunResults(ctx, run.RunID, names, scalars, series); err != nil {
		return 0, 0, fmt.Errorf("save run %d results: %w", run.RunID, err)
	}
	c.logger.Printf("run %d (%s trial %d): stored %d scalar, %d timeseries results",
		run.RunID, run.Experiment, run.TrialNum, len(scalars), len(series))
	return len(scalars), len(series), nil
}

// extractScalar returns the named column of the first row matching the
// constraints. No matching row is an error.
func extractScalar(t *QueryTable, def Result) (float64, error) {
	col, ok := t.ColumnIndex(def.Column)
	if !ok {
		return 0, fmt.Errorf("column %q not in table", def.Column)
	}
	rows, err := t.Select(def.Constraints)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("constraints matched no rows")
	}
	return t.cell(rows[0], col)
}

// extractCumulative sums the year columns inside the declared range
// across every matching row.
func extractCumulative(t *QueryTable, def Result) (float64, error) {
	rows, err := t.Select(def.Constraints)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("constraints matched no rows")
	}
	if len(t.years) == 0 {
		return 0, fmt.Errorf("table has no year columns")
	}

	var sum float64
	for _, yc := range t.years {
		if def.Years != nil && (yc.year < def.Years.First || yc.year > def.Years.Last) {
			continue
		}
		for _, row := range rows {
			v, err := t.cell(row, yc.col)
			if err != nil {
				return 0, err
			}
			sum += v
		}
	}
	return sum, nil
}

// extractTimeseries sums each year column across the matching rows.
func extractTimeseries(t *QueryTable, def Result) ([]store.YearValue, error) {
	rows, err := t.Select(def.Constraints)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("constraints matched no rows")
	}
	if len(t.years) == 0 {
		return nil, fmt.Errorf("table has no year columns")
	}

	out := make([]store.YearValue, 0, len(t.years))
	for _, yc := range t.years {
		var sum float64
		for _, row := range rows {
			v, err := t.cell(row, yc.col)
			if err != nil {
				return nil, err
			}
			sum += v
		}
		out = append(out, store.YearValue{Year: yc.year, Value: sum})
	}
	return out, nil
}

// Collect runs a full collection pass over a simulation's succeeded runs,
// optionally limited to a trial subset, then computes diff results from
// the stored scalars. Per-run extraction failures are logged and counted,
// not fatal.
func (c *Collector) Collect(ctx context.Context, simID int64, trials []int) (Stats, error) {
	var stats Stats

	runs, err := c.store.SucceededRuns(ctx, simID, trials)
	if err != nil {
		return stats, err
	}
	stats.Runs = len(runs)

	for _, run := range runs {
		env, err := c.envFor(run)
		if err != nil {
			return stats, fmt.Errorf("run %d: %w", run.RunID, err)
		}
		nScalars, nSeries, err := c.collectScenario(ctx, run, env)
		if err != nil {
			stats.Failed++
			c.logger.Printf("run %d (%s trial %d): %v", run.RunID, run.Experiment, run.TrialNum, err)
			continue
		}
		stats.Scalars += nScalars
		stats.Series += nSeries
	}

	if err := c.computeDiffs(ctx, runs, &stats); err != nil {
		return stats, err
	}

	c.logger.Printf("simulation %d: %d runs, %d failed, %d scalars, %d timeseries, %d diffs, %d gaps",
		simID, stats.Runs, stats.Failed, stats.Scalars, stats.Series, stats.Diffs, stats.Gaps)
	return stats, nil
}

// computeDiffs stores policy minus baseline for every diff result, keyed
// to the policy run. A missing operand is a logged gap, not an error, so
// one incomplete trial cannot stall the rest of the pass.
func (c *Collector) computeDiffs(ctx context.Context, runs []store.RunInfo, stats *Stats) error {
	defs := c.spec.ByType(TypeDiff)
	if len(defs) == 0 {
		return nil
	}

	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}

	baselines := make(map[int]int64)
	for _, run := range runs {
		if run.Role == workflow.RunForBaseline {
			baselines[run.TrialNum] = run.RunID
		}
	}

	for _, run := range runs {
		if run.Role != workflow.RunForPolicy {
			continue
		}

		// Save even when nothing could be computed: the full name list
		// clears stale diff rows from earlier passes.
		scalars := make(map[string]float64, len(defs))
		if baseRun, ok := baselines[run.TrialNum]; !ok {
			stats.Gaps += len(defs)
			c.logger.Printf("trial %d: no succeeded baseline run, skipping diffs for run %d", run.TrialNum, run.RunID)
		} else {
			for _, def := range defs {
				base, ok, err := c.store.GetOutputValue(ctx, baseRun, def.Source)
				if err != nil {
					return err
				}
				if !ok {
					stats.Gaps++
					c.logger.Printf("trial %d: baseline run %d has no %q value, skipping %q", run.TrialNum, baseRun, def.Source, def.Name)
					continue
				}
				pol, ok, err := c.store.GetOutputValue(ctx, run.RunID, def.Source)
				if err != nil {
					return err
				}
				if !ok {
					stats.Gaps++
					c.logger.Printf("trial %d: policy run %d has no %q value, skipping %q", run.TrialNum, run.RunID, def.Source, def.Name)
					continue
				}

				v := pol - base
				if def.Percentage {
					if base == 0 {
						stats.Gaps++
						c.logger.Printf("trial %d: baseline %q is zero, skipping percentage %q", run.TrialNum, def.Source, def.Name)
						continue
					}
					v = v / base
				}
				scalars[def.Name] = v
			}
		}

		if err := c.store.SaveRunResults(ctx, run.RunID, names, scalars, nil); err != nil {
			return fmt.Errorf("save run %d diffs: %w", run.RunID, err)
		}
		stats.Diffs += len(scalars)
	}
	return nil
}

// envFor rebuilds the workflow environment a run executed under.
func (c *Collector) envFor(run store.RunInfo) (workflow.Env, error) {
	rc := workflow.RunContext{
		Workspace: c.workspace,
		Project:   c.project.Project,
		Scenario:  run.Experiment,
		Baseline:  c.project.Baseline,
		SimID:     run.SimID,
		TrialNum:  run.TrialNum,
	}
	return workflow.BuildEnv(workflow.PathVars(rc), c.cfgVals, c.project.MergedVars())
}
