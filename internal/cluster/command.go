package cluster

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/ensemble/internal/workflow"
)

// defaultJobIDPattern extracts the first integer from submit output, which
// is how SLURM reports job ids ("Submitted batch job 123456"). PBS-style
// schedulers that answer with "1234.server" can override the pattern.
const defaultJobIDPattern = `\d+`

// defaultStates maps scheduler status words to job states. Covers SLURM
// long and short forms plus the PBS single-letter codes.
var defaultStates = map[string]JobState{
	"PENDING": JobQueued, "PD": JobQueued, "CONFIGURING": JobQueued,
	"CF": JobQueued, "Q": JobQueued, "H": JobQueued, "W": JobQueued,
	"RUNNING": JobRunning, "R": JobRunning, "COMPLETING": JobRunning,
	"CG": JobRunning, "E": JobRunning, "SUSPENDED": JobRunning, "S": JobRunning,
	"COMPLETED": JobDone, "CD": JobDone, "FAILED": JobDone, "F": JobDone,
	"CANCELLED": JobDone, "CA": JobDone, "TIMEOUT": JobDone, "TO": JobDone,
	"NODE_FAIL": JobDone, "NF": JobDone, "PREEMPTED": JobDone, "PR": JobDone,
	"C": JobDone,
}

// CommandManager drives a batch scheduler through three command templates.
// Templates use the workflow {var} syntax: submit sees {simId} and
// {jobName}, cancel and poll see {jobId}. The poll command is expected to
// print a status word; no output or a failing poll means the job left the
// queue.
type CommandManager struct {
	SubmitTemplate string
	CancelTemplate string
	PollTemplate   string
	// JobIDPattern is a regexp applied to submit output; the first capture
	// group (or the whole match) becomes the job id.
	JobIDPattern string
	// States overrides entries of the built-in status-word table.
	States map[string]JobState

	Log *log.Logger

	// run executes a rendered command line. Tests replace it.
	run func(ctx context.Context, command string) (string, error)
}

// NewCommandManager builds a manager from scheduler command templates.
func NewCommandManager(submit, cancel, poll string, logger *log.Logger) (*CommandManager, error) {
	if strings.TrimSpace(submit) == "" {
		return nil, fmt.Errorf("cluster: submit command template is required")
	}
	return &CommandManager{
		SubmitTemplate: submit,
		CancelTemplate: cancel,
		PollTemplate:   poll,
		Log:            logger,
		run:            runShell,
	}, nil
}

func runShell(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (m *CommandManager) exec(ctx context.Context, command string) (string, error) {
	if m.run != nil {
		return m.run(ctx, command)
	}
	return runShell(ctx, command)
}

func (m *CommandManager) logf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log.Printf(format, args...)
	}
}

// Submit renders and runs the submit template, then extracts the job id
// from the command output.
func (m *CommandManager) Submit(ctx context.Context, job Job) (string, error) {
	env := workflow.Env{
		"simId":   strconv.FormatInt(job.SimID, 10),
		"jobName": job.Name,
	}
	command, err := workflow.Render(m.SubmitTemplate, env)
	if err != nil {
		return "", fmt.Errorf("submit template: %w", err)
	}
	m.logf("submit: %s", command)
	out, err := m.exec(ctx, command)
	if err != nil {
		return "", fmt.Errorf("submit %q: %w (output: %s)", job.Name, err, strings.TrimSpace(out))
	}

	pattern := m.JobIDPattern
	if pattern == "" {
		pattern = defaultJobIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("job id pattern %q: %w", pattern, err)
	}
	match := re.FindStringSubmatch(strings.TrimSpace(out))
	if match == nil {
		return "", fmt.Errorf("submit %q: no job id in output %q", job.Name, strings.TrimSpace(out))
	}
	jobID := match[0]
	if len(match) > 1 {
		jobID = match[1]
	}
	m.logf("submitted %s as job %s", job.Name, jobID)
	return jobID, nil
}

// Cancel renders and runs the cancel template for one job.
func (m *CommandManager) Cancel(ctx context.Context, jobID string) error {
	if strings.TrimSpace(m.CancelTemplate) == "" {
		return nil
	}
	command, err := workflow.Render(m.CancelTemplate, workflow.Env{"jobId": jobID})
	if err != nil {
		return fmt.Errorf("cancel template: %w", err)
	}
	m.logf("cancel job %s: %s", jobID, command)
	if out, err := m.exec(ctx, command); err != nil {
		return fmt.Errorf("cancel job %s: %w (output: %s)", jobID, err, strings.TrimSpace(out))
	}
	return nil
}

// Poll classifies each job by running the poll template and reading the
// first status word it prints. A failing command or empty output counts as
// done: schedulers drop finished jobs from their queue listing.
func (m *CommandManager) Poll(ctx context.Context, jobIDs []string) (map[string]JobState, error) {
	states := make(map[string]JobState, len(jobIDs))
	for _, id := range jobIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.PollTemplate) == "" {
			states[id] = JobUnknown
			continue
		}
		command, err := workflow.Render(m.PollTemplate, workflow.Env{"jobId": id})
		if err != nil {
			return nil, fmt.Errorf("poll template: %w", err)
		}
		out, err := m.exec(ctx, command)
		if err != nil {
			states[id] = JobDone
			continue
		}
		states[id] = m.classify(out)
	}
	return states, nil
}

func (m *CommandManager) classify(out string) JobState {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return JobDone
	}
	word := strings.ToUpper(fields[0])
	if s, ok := m.States[word]; ok {
		return s
	}
	if s, ok := defaultStates[word]; ok {
		return s
	}
	m.logf("unrecognized job state %q", word)
	return JobUnknown
}
