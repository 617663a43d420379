// Package cluster abstracts the compute backend the master submits worker
// jobs to. The CommandManager drives a batch scheduler (SLURM, PBS, LSF)
// through command templates taken from configuration, so scheduler argument
// strings stay configuration data. The LocalManager spawns worker
// subprocesses on the current host for single-node runs.
package cluster

import "context"

// JobState is the coarse lifecycle of a submitted worker job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	// JobUnknown marks a job whose backend state could not be classified.
	// Callers should treat it as live so the pool is not oversubmitted.
	JobUnknown JobState = "unknown"
)

// Live reports whether the job still occupies a pool slot.
func (s JobState) Live() bool {
	return s == JobQueued || s == JobRunning || s == JobUnknown
}

// Job describes one worker job to submit.
type Job struct {
	SimID int64
	// Name is the scheduler-visible job name.
	Name string
}

// Manager submits, cancels, and polls worker jobs on some backend.
type Manager interface {
	Submit(ctx context.Context, job Job) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Poll(ctx context.Context, jobIDs []string) (map[string]JobState, error)
}
