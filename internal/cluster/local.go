package cluster

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/ensemble/internal/workflow"
)

// LocalManager runs worker jobs as child processes of the current host.
// Args are rendered per job with {simId} and {jobName}, so the default
// invocation "worker --sim {simId}" can be reshaped from configuration.
// The context passed to Submit bounds the child's lifetime.
type LocalManager struct {
	Bin  string
	Args []string
	Log  *log.Logger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewLocalManager builds a manager spawning bin with the given arg
// templates. An empty bin means the current executable.
func NewLocalManager(bin string, args []string, logger *log.Logger) *LocalManager {
	if bin == "" {
		if exe, err := os.Executable(); err == nil {
			bin = exe
		} else {
			bin = os.Args[0]
		}
	}
	return &LocalManager{
		Bin:   bin,
		Args:  args,
		Log:   logger,
		procs: make(map[string]*localProc),
	}
}

func (m *LocalManager) logf(format string, args ...interface{}) {
	if m.Log != nil {
		m.Log.Printf(format, args...)
	}
}

// Submit starts one worker process and returns its local job id.
func (m *LocalManager) Submit(ctx context.Context, job Job) (string, error) {
	env := workflow.Env{
		"simId":   strconv.FormatInt(job.SimID, 10),
		"jobName": job.Name,
	}
	args := make([]string, len(m.Args))
	for i, a := range m.Args {
		rendered, err := workflow.Render(a, env)
		if err != nil {
			return "", fmt.Errorf("worker arg %q: %w", a, err)
		}
		args[i] = rendered
	}

	cmd := exec.CommandContext(ctx, m.Bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start worker %s: %w", job.Name, err)
	}

	jobID := "local-" + uuid.NewString()[:8]
	p := &localProc{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	if m.procs == nil {
		m.procs = make(map[string]*localProc)
	}
	m.procs[jobID] = p
	m.mu.Unlock()

	go func() {
		p.err = cmd.Wait()
		close(p.done)
		if p.err != nil {
			m.logf("job %s (pid %d) exited: %v", jobID, cmd.Process.Pid, p.err)
		} else {
			m.logf("job %s (pid %d) exited cleanly", jobID, cmd.Process.Pid)
		}
	}()

	m.logf("started %s as job %s (pid %d)", job.Name, jobID, cmd.Process.Pid)
	return jobID, nil
}

// Cancel sends SIGTERM so the worker's signal context can wind down the
// run it is on.
func (m *LocalManager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	p, ok := m.procs[jobID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal job %s: %w", jobID, err)
	}
	return nil
}

// Poll reports running or done for each known job. Unknown ids count as
// done so a restarted master does not wait on them.
func (m *LocalManager) Poll(ctx context.Context, jobIDs []string) (map[string]JobState, error) {
	states := make(map[string]JobState, len(jobIDs))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range jobIDs {
		p, ok := m.procs[id]
		if !ok {
			states[id] = JobDone
			continue
		}
		select {
		case <-p.done:
			states[id] = JobDone
		default:
			states[id] = JobRunning
		}
	}
	return states, nil
}
