package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"
)

// Store wraps the simulation database. All coordination between the
// master, workers, and collectors goes through these tables; processes
// never talk to each other directly.
type Store struct {
	DB *sql.DB
}

// Run statuses. A run moves pending -> queued -> running -> succeeded or
// failed; any non-terminal run can be forced to aborted.
const (
	RunStatusPending   = "pending"
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusAborted   = "aborted"
)

// Experiment roles.
const (
	RoleBaseline = "baseline"
	RolePolicy   = "policy"
)

// NonTerminalStatuses are the statuses a run can still leave.
var NonTerminalStatuses = []string{RunStatusPending, RunStatusQueued, RunStatusRunning}

// IsTerminal reports whether a run status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// Simulation is one Monte Carlo study: a trial count, a seed, and the
// experiments and parameters hung off it.
type Simulation struct {
	SimID           int64
	Name            string
	Description     string
	Trials          int
	Seed            int64
	CancelRequested bool
	CreatedAt       time.Time
}

// Experiment is a named scenario within a simulation.
type Experiment struct {
	ExpID       int64
	SimID       int64
	Name        string
	Role        string
	Description string
}

// Parameter is the persisted form of one compiled parameter declaration.
type Parameter struct {
	ParamID   int64
	SimID     int64
	Name      string
	Mode      string
	Apply     string
	Dist      json.RawMessage
	LowBound  *float64
	HighBound *float64
}

// InputValue is one raw draw. ExpID is nil for shared-mode draws.
type InputValue struct {
	ParamID  int64
	TrialNum int
	ExpID    *int64
	Value    float64
}

// TrialInput is a draw joined with its parameter's apply metadata, the
// shape a worker needs to materialize trial inputs.
type TrialInput struct {
	Name      string
	Mode      string
	Apply     string
	LowBound  *float64
	HighBound *float64
	Value     float64
}

// RunInfo is a row of the run_info view.
type RunInfo struct {
	RunID      int64
	SimID      int64
	ExpID      int64
	Experiment string
	Role       string
	TrialNum   int
	Status     string
	RetryCount int
	WorkerID   *string
	Error      *string
}

// StatusCount is a row of the status_summary view.
type StatusCount struct {
	Experiment string
	Status     string
	Runs       int
}

// ResultRow is a row of the result_view view.
type ResultRow struct {
	RunID      int64
	Experiment string
	Role       string
	TrialNum   int
	ResultName string
	Value      float64
}

// YearValue is one point of a timeseries result.
type YearValue struct {
	Year  int
	Value float64
}

// New opens a store from DATABASE_URL or the POSTGRES_* variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN opens and pings a store at the given postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// isUniqueViolation reports a postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Simulation operations

func (s *Store) CreateSimulation(ctx context.Context, name, description string, trials int, seed int64) (int64, error) {
	if trials <= 0 {
		return 0, fmt.Errorf("trials must be > 0, got %d", trials)
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO simulation (name, description, trials, seed)
VALUES ($1,$2,$3,$4)
RETURNING sim_id`, name, description, trials, seed).Scan(&id)
	return id, err
}

func (s *Store) GetSimulation(ctx context.Context, simID int64) (Simulation, bool, error) {
	var sim Simulation
	err := s.DB.QueryRowContext(ctx, `
SELECT sim_id, name, description, trials, seed, cancel_requested, created_at
FROM simulation
WHERE sim_id = $1`, simID).Scan(
		&sim.SimID, &sim.Name, &sim.Description, &sim.Trials, &sim.Seed, &sim.CancelRequested, &sim.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Simulation{}, false, nil
	}
	if err != nil {
		return Simulation{}, false, err
	}
	return sim, true, nil
}

func (s *Store) ListSimulations(ctx context.Context) ([]Simulation, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT sim_id, name, description, trials, seed, cancel_requested, created_at
FROM simulation
ORDER BY sim_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Simulation
	for rows.Next() {
		var sim Simulation
		if err := rows.Scan(&sim.SimID, &sim.Name, &sim.Description, &sim.Trials, &sim.Seed, &sim.CancelRequested, &sim.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sim)
	}
	return out, rows.Err()
}

// RequestCancel raises the simulation's cancel flag. The master observes
// the flag on its next tick; there is no direct signal.
func (s *Store) RequestCancel(ctx context.Context, simID int64) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE simulation SET cancel_requested = TRUE WHERE sim_id = $1`, simID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("simulation %d not found", simID)
	}
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, simID int64) (bool, error) {
	var flag bool
	err := s.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM simulation WHERE sim_id = $1`, simID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("simulation %d not found", simID)
	}
	return flag, err
}

// Experiment operations

func (s *Store) CreateExperiment(ctx context.Context, simID int64, name, role, description string) (int64, error) {
	if role != RoleBaseline && role != RolePolicy {
		return 0, fmt.Errorf("unknown experiment role %q", role)
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO experiment (sim_id, name, role, description)
VALUES ($1,$2,$3,$4)
RETURNING exp_id`, simID, name, role, description).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("experiment %q already exists in simulation %d", name, simID)
	}
	return id, err
}

func (s *Store) GetExperiment(ctx context.Context, simID int64, name string) (Experiment, bool, error) {
	var e Experiment
	err := s.DB.QueryRowContext(ctx, `
SELECT exp_id, sim_id, name, role, description
FROM experiment
WHERE sim_id = $1 AND name = $2`, simID, name).Scan(&e.ExpID, &e.SimID, &e.Name, &e.Role, &e.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return Experiment{}, false, nil
	}
	if err != nil {
		return Experiment{}, false, err
	}
	return e, true, nil
}

func (s *Store) ListExperiments(ctx context.Context, simID int64) ([]Experiment, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT exp_id, sim_id, name, role, description
FROM experiment
WHERE sim_id = $1
ORDER BY exp_id`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Experiment
	for rows.Next() {
		var e Experiment
		if err := rows.Scan(&e.ExpID, &e.SimID, &e.Name, &e.Role, &e.Description); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateTrials registers trial numbers 0..count-1. Re-running is a no-op
// for trials that already exist.
func (s *Store) CreateTrials(ctx context.Context, simID int64, count int) error {
	if count <= 0 {
		return fmt.Errorf("trial count must be > 0, got %d", count)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO trial (sim_id, trial_num)
SELECT $1, gs FROM generate_series(0, $2 - 1) AS gs
ON CONFLICT DO NOTHING`, simID, count)
	return err
}

// Parameter operations

// UpsertParameter persists a compiled parameter declaration. Recompiling
// the same simulation updates in place, so an interrupted compile can be
// rerun.
func (s *Store) UpsertParameter(ctx context.Context, p Parameter) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO parameter (sim_id, name, mode, apply, dist, low_bound, high_bound)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (sim_id, name) DO UPDATE SET
  mode       = EXCLUDED.mode,
  apply      = EXCLUDED.apply,
  dist       = EXCLUDED.dist,
  low_bound  = EXCLUDED.low_bound,
  high_bound = EXCLUDED.high_bound
RETURNING param_id`, p.SimID, p.Name, p.Mode, p.Apply, []byte(p.Dist), p.LowBound, p.HighBound).Scan(&id)
	return id, err
}

func (s *Store) ListParameters(ctx context.Context, simID int64) ([]Parameter, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT param_id, sim_id, name, mode, apply, dist, low_bound, high_bound
FROM parameter
WHERE sim_id = $1
ORDER BY name`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Parameter
	for rows.Next() {
		var p Parameter
		var dist []byte
		if err := rows.Scan(&p.ParamID, &p.SimID, &p.Name, &p.Mode, &p.Apply, &dist, &p.LowBound, &p.HighBound); err != nil {
			return nil, err
		}
		p.Dist = dist
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveInputValues writes draws in one transaction. Rows are write-once
// per key, so rerunning an interrupted compile skips what already landed.
func (s *Store) SaveInputValues(ctx context.Context, simID int64, vals []InputValue) error {
	if len(vals) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, v := range vals {
		_, err := tx.ExecContext(ctx, `
INSERT INTO input_value (sim_id, param_id, trial_num, exp_id, value)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT DO NOTHING`, simID, v.ParamID, v.TrialNum, v.ExpID, v.Value)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InputValuesForTrial returns a trial's draws for one experiment: the
// experiment's own independent draws plus every shared draw.
func (s *Store) InputValuesForTrial(ctx context.Context, simID int64, trialNum int, expID int64) ([]TrialInput, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT p.name, p.mode, p.apply, p.low_bound, p.high_bound, iv.value
FROM input_value iv
JOIN parameter p ON p.param_id = iv.param_id
WHERE iv.sim_id = $1 AND iv.trial_num = $2 AND (iv.exp_id IS NULL OR iv.exp_id = $3)
ORDER BY p.name`, simID, trialNum, expID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrialInput
	for rows.Next() {
		var ti TrialInput
		if err := rows.Scan(&ti.Name, &ti.Mode, &ti.Apply, &ti.LowBound, &ti.HighBound, &ti.Value); err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// Run operations

// CreateRuns inserts a pending run for every (experiment, trial) pair that
// has no run row yet. A nil trials slice covers the whole simulation.
// Returns the number of runs created.
func (s *Store) CreateRuns(ctx context.Context, simID int64, trials []int) (int64, error) {
	query := `
INSERT INTO run (sim_id, exp_id, trial_num)
SELECT e.sim_id, e.exp_id, t.trial_num
FROM experiment e
JOIN trial t ON t.sim_id = e.sim_id
WHERE e.sim_id = $1
  AND NOT EXISTS (
    SELECT 1 FROM run r
    WHERE r.sim_id = e.sim_id AND r.exp_id = e.exp_id AND r.trial_num = t.trial_num)`
	args := []interface{}{simID}
	if trials != nil {
		query += ` AND t.trial_num = ANY($2)`
		args = append(args, pq.Array(trials))
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListClaimable returns pending runs a worker may take, oldest trials
// first. Policy runs only appear once their trial's baseline run has
// succeeded, which is what enforces baseline-before-policy ordering.
func (s *Store) ListClaimable(ctx context.Context, simID int64, limit int) ([]RunInfo, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT r.run_id, r.sim_id, r.exp_id, e.name, e.role, r.trial_num, r.status, r.retry_count
FROM run r
JOIN experiment e ON e.exp_id = r.exp_id
WHERE r.sim_id = $1 AND r.status = 'pending'
  AND (e.role = 'baseline' OR EXISTS (
    SELECT 1 FROM run rb
    JOIN experiment eb ON eb.exp_id = rb.exp_id
    WHERE rb.sim_id = r.sim_id AND rb.trial_num = r.trial_num
      AND eb.role = 'baseline' AND rb.status = 'succeeded'))
ORDER BY r.trial_num, r.run_id
LIMIT $2`, simID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunInfo
	for rows.Next() {
		var ri RunInfo
		if err := rows.Scan(&ri.RunID, &ri.SimID, &ri.ExpID, &ri.Experiment, &ri.Role, &ri.TrialNum, &ri.Status, &ri.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// ClaimRun moves a pending run to queued for one worker. It returns false
// when another worker won the row first; the caller just tries the next
// candidate.
func (s *Store) ClaimRun(ctx context.Context, runID int64, workerID, jobID string) (bool, error) {
	var claimed bool
	err := s.DB.QueryRowContext(ctx, `
UPDATE run
SET status = 'queued', worker_id = $2, job_id = NULLIF($3, ''), queued_at = NOW()
WHERE run_id = $1 AND status = 'pending'
RETURNING true`, runID, workerID, jobID).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// MarkRunning flips a claimed run to running. The worker_id guard means a
// worker can only start runs it claimed itself.
func (s *Store) MarkRunning(ctx context.Context, runID int64, workerID string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE run
SET status = 'running', started_at = NOW()
WHERE run_id = $1 AND worker_id = $2 AND status = 'queued'`, runID, workerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d is not queued for worker %s", runID, workerID)
	}
	return nil
}

// FinishRun records a running run's terminal status and duration.
func (s *Store) FinishRun(ctx context.Context, runID int64, status string, errMsg *string) error {
	if status != RunStatusSucceeded && status != RunStatusFailed {
		return fmt.Errorf("finish status must be succeeded or failed, got %q", status)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE run
SET status = $2, error = $3, ended_at = NOW(),
    duration_secs = EXTRACT(EPOCH FROM (NOW() - started_at))
WHERE run_id = $1 AND status = 'running'`, runID, status, errMsg)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d is not running", runID)
	}
	return nil
}

// AbortRuns forces runs in the given statuses to aborted with a cause.
func (s *Store) AbortRuns(ctx context.Context, simID int64, statuses []string, cause string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE run
SET status = 'aborted', error = $3, ended_at = NOW()
WHERE sim_id = $1 AND status = ANY($2)`, simID, pq.Array(statuses), cause)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TimeoutRunning fails running runs older than the limit. Covers workers
// that died without reporting back.
func (s *Store) TimeoutRunning(ctx context.Context, simID int64, olderThan time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE run
SET status = 'failed', error = 'timeout', ended_at = NOW(),
    duration_secs = EXTRACT(EPOCH FROM (NOW() - started_at))
WHERE sim_id = $1 AND status = 'running'
  AND started_at < NOW() - ($2 * INTERVAL '1 second')`, simID, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CascadeAbort aborts pending and queued policy runs whose trial's
// baseline is dead: latest baseline attempt aborted, or failed with
// retries exhausted. The recorded cause names the baseline run that
// dragged the policy run down.
func (s *Store) CascadeAbort(ctx context.Context, simID int64, maxRetries int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE run
SET status = 'aborted', error = 'baseline ' || dead.status || ' (run ' || dead.run_id || ')', ended_at = NOW()
FROM (
  SELECT rb.run_id, rb.trial_num, rb.status
  FROM run rb
  JOIN experiment eb ON eb.exp_id = rb.exp_id
  WHERE rb.sim_id = $1 AND eb.role = 'baseline'
    AND (rb.status = 'aborted' OR (rb.status = 'failed' AND rb.retry_count >= $2))
    AND NOT EXISTS (
      SELECT 1 FROM run rn
      WHERE rn.sim_id = rb.sim_id AND rn.exp_id = rb.exp_id
        AND rn.trial_num = rb.trial_num AND rn.run_id > rb.run_id)
) dead
WHERE run.sim_id = $1 AND run.trial_num = dead.trial_num
  AND run.status IN ('pending','queued')
  AND run.exp_id IN (SELECT exp_id FROM experiment WHERE sim_id = $1 AND role = 'policy')`,
		simID, maxRetries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RetryFailed appends a fresh pending attempt for each failed run that is
// the latest attempt of its (experiment, trial) and still has retries
// left. Earlier attempts are never mutated.
func (s *Store) RetryFailed(ctx context.Context, simID int64, maxRetries int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO run (sim_id, exp_id, trial_num, retry_count)
SELECT r.sim_id, r.exp_id, r.trial_num, r.retry_count + 1
FROM run r
WHERE r.sim_id = $1 AND r.status = 'failed' AND r.retry_count < $2
  AND NOT EXISTS (
    SELECT 1 FROM run rn
    WHERE rn.sim_id = r.sim_id AND rn.exp_id = r.exp_id
      AND rn.trial_num = r.trial_num AND rn.run_id > r.run_id)`, simID, maxRetries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns run counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context, simID int64) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT status, COUNT(*) FROM run WHERE sim_id = $1 GROUP BY status`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// RunDurations returns the wall-clock seconds of terminal runs that ended
// after the given instant. The master feeds these into its duration
// histogram between ticks.
func (s *Store) RunDurations(ctx context.Context, simID int64, endedAfter time.Time) ([]float64, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT duration_secs FROM run
WHERE sim_id = $1 AND ended_at > $2 AND duration_secs IS NOT NULL`, simID, endedAfter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StatusSummary returns per-experiment run counts from the status_summary
// view.
func (s *Store) StatusSummary(ctx context.Context, simID int64) ([]StatusCount, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT experiment, status, runs
FROM status_summary
WHERE sim_id = $1
ORDER BY experiment, status`, simID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Experiment, &sc.Status, &sc.Runs); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListRuns reads the run_info view, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, simID int64, status string) ([]RunInfo, error) {
	query := `
SELECT run_id, sim_id, exp_id, experiment, role, trial_num, status, retry_count, worker_id, error
FROM run_info
WHERE sim_id = $1`
	args := []interface{}{simID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += `
ORDER BY trial_num, run_id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunInfo
	for rows.Next() {
		var ri RunInfo
		if err := rows.Scan(&ri.RunID, &ri.SimID, &ri.ExpID, &ri.Experiment, &ri.Role, &ri.TrialNum, &ri.Status, &ri.RetryCount, &ri.WorkerID, &ri.Error); err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// SucceededRuns returns succeeded runs for collection, optionally limited
// to a trial subset.
func (s *Store) SucceededRuns(ctx context.Context, simID int64, trials []int) ([]RunInfo, error) {
	query := `
SELECT run_id, sim_id, exp_id, experiment, role, trial_num, status, retry_count, worker_id, error
FROM run_info
WHERE sim_id = $1 AND status = 'succeeded'`
	args := []interface{}{simID}
	if trials != nil {
		query += ` AND trial_num = ANY($2)`
		args = append(args, pq.Array(trials))
	}
	query += `
ORDER BY trial_num, run_id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunInfo
	for rows.Next() {
		var ri RunInfo
		if err := rows.Scan(&ri.RunID, &ri.SimID, &ri.ExpID, &ri.Experiment, &ri.Role, &ri.TrialNum, &ri.Status, &ri.RetryCount, &ri.WorkerID, &ri.Error); err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// Result operations

// SaveRunResults replaces a run's rows for the given result names in one
// transaction: stale rows for those names are deleted, then the new
// scalar and timeseries values inserted. Values for other result names
// are left alone.
func (s *Store) SaveRunResults(ctx context.Context, runID int64, names []string, scalars map[string]float64, series map[string][]YearValue) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
DELETE FROM output_value WHERE run_id = $1 AND result_name = ANY($2)`, runID, pq.Array(names)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM timeseries WHERE run_id = $1 AND result_name = ANY($2)`, runID, pq.Array(names)); err != nil {
		return err
	}
	for name, value := range scalars {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO output_value (run_id, result_name, value)
VALUES ($1,$2,$3)
ON CONFLICT DO NOTHING`, runID, name, value); err != nil {
			return err
		}
	}
	for name, points := range series {
		for _, p := range points {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO timeseries (run_id, result_name, year, value)
VALUES ($1,$2,$3,$4)
ON CONFLICT DO NOTHING`, runID, name, p.Year, p.Value); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GetOutputValue returns one stored scalar result.
func (s *Store) GetOutputValue(ctx context.Context, runID int64, resultName string) (float64, bool, error) {
	var v float64
	err := s.DB.QueryRowContext(ctx, `
SELECT value FROM output_value WHERE run_id = $1 AND result_name = $2`, runID, resultName).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Results reads the result_view view, optionally filtered by result name.
func (s *Store) Results(ctx context.Context, simID int64, resultName string) ([]ResultRow, error) {
	query := `
SELECT run_id, experiment, role, trial_num, result_name, value
FROM result_view
WHERE sim_id = $1`
	args := []interface{}{simID}
	if resultName != "" {
		query += ` AND result_name = $2`
		args = append(args, resultName)
	}
	query += `
ORDER BY result_name, trial_num, experiment`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResultRow
	for rows.Next() {
		var rr ResultRow
		if err := rows.Scan(&rr.RunID, &rr.Experiment, &rr.Role, &rr.TrialNum, &rr.ResultName, &rr.Value); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}
