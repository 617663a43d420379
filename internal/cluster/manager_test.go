package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/ensemble/internal/workflow"
)

func TestCommandManagerSubmit(t *testing.T) {
	chk := require.New(t)

	m, err := NewCommandManager(
		"sbatch --job-name={jobName} worker.sh {simId}", "scancel {jobId}", "squeue -h -o %T -j {jobId}", nil)
	chk.NoError(err)

	var ran string
	m.run = func(ctx context.Context, command string) (string, error) {
		ran = command
		return "Submitted batch job 123456\n", nil
	}

	jobID, err := m.Submit(context.Background(), Job{SimID: 7, Name: "ensemble-s7-ab12cd34"})
	chk.NoError(err)
	chk.Equal("123456", jobID)
	chk.Equal("sbatch --job-name=ensemble-s7-ab12cd34 worker.sh 7", ran)
}

func TestCommandManagerSubmitCustomPattern(t *testing.T) {
	chk := require.New(t)

	m, err := NewCommandManager("qsub worker.sh", "", "", nil)
	chk.NoError(err)
	m.JobIDPattern = `^\S+`
	m.run = func(ctx context.Context, command string) (string, error) {
		return "1234.pbsserver\n", nil
	}

	jobID, err := m.Submit(context.Background(), Job{SimID: 1, Name: "j"})
	chk.NoError(err)
	chk.Equal("1234.pbsserver", jobID)
}

func TestCommandManagerSubmitErrors(t *testing.T) {
	chk := require.New(t)

	m, err := NewCommandManager("sbatch worker.sh {simId}", "", "", nil)
	chk.NoError(err)

	m.run = func(ctx context.Context, command string) (string, error) {
		return "sbatch: error: invalid partition\n", fmt.Errorf("exit status 1")
	}
	_, err = m.Submit(context.Background(), Job{SimID: 1, Name: "j"})
	chk.Error(err)
	chk.Contains(err.Error(), "invalid partition")

	m.run = func(ctx context.Context, command string) (string, error) {
		return "no id here", nil
	}
	_, err = m.Submit(context.Background(), Job{SimID: 1, Name: "j"})
	chk.Error(err)
	chk.Contains(err.Error(), "no job id")
}

func TestCommandManagerSubmitUnresolvedTemplate(t *testing.T) {
	chk := require.New(t)

	m, err := NewCommandManager("sbatch {walltime} worker.sh", "", "", nil)
	chk.NoError(err)
	m.run = func(ctx context.Context, command string) (string, error) { return "1", nil }

	_, err = m.Submit(context.Background(), Job{SimID: 1, Name: "j"})
	chk.Error(err)
	chk.True(errors.Is(err, workflow.ErrUnresolvedVariable))
}

func TestCommandManagerPollClassifies(t *testing.T) {
	chk := require.New(t)

	m, err := NewCommandManager("sbatch", "", "squeue -h -o %T -j {jobId}", nil)
	chk.NoError(err)

	outputs := map[string]string{
		"1": "PENDING\n",
		"2": "R\n",
		"3": "COMPLETED\n",
		"4": "",
		"5": "REBOOTING\n",
	}
	m.run = func(ctx context.Context, command string) (string, error) {
		id := command[strings.LastIndex(command, " ")+1:]
		if id == "6" {
			return "slurm_load_jobs error: Invalid job id specified", fmt.Errorf("exit status 1")
		}
		return outputs[id], nil
	}

	states, err := m.Poll(context.Background(), []string{"1", "2", "3", "4", "5", "6"})
	chk.NoError(err)
	chk.Equal(JobQueued, states["1"])
	chk.Equal(JobRunning, states["2"])
	chk.Equal(JobDone, states["3"])
	chk.Equal(JobDone, states["4"])
	chk.Equal(JobUnknown, states["5"])
	chk.Equal(JobDone, states["6"])
}

func TestCommandManagerCancel(t *testing.T) {
	chk := require.New(t)

	m, err := NewCommandManager("sbatch", "scancel {jobId}", "", nil)
	chk.NoError(err)

	var ran string
	m.run = func(ctx context.Context, command string) (string, error) {
		ran = command
		return "", nil
	}
	chk.NoError(m.Cancel(context.Background(), "4242"))
	chk.Equal("scancel 4242", ran)

	// No cancel template configured is a no-op, not an error.
	m.CancelTemplate = ""
	ran = ""
	chk.NoError(m.Cancel(context.Background(), "4242"))
	chk.Empty(ran)
}

func TestJobStateLive(t *testing.T) {
	chk := require.New(t)
	chk.True(JobQueued.Live())
	chk.True(JobRunning.Live())
	chk.True(JobUnknown.Live())
	chk.False(JobDone.Live())
}

func TestLocalManagerRendersArgs(t *testing.T) {
	chk := require.New(t)

	outFile := filepath.Join(t.TempDir(), "args.txt")
	m := NewLocalManager("sh", []string{"-c", "echo {simId} {jobName} > " + outFile}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID, err := m.Submit(ctx, Job{SimID: 7, Name: "ensemble-s7"})
	chk.NoError(err)

	chk.Eventually(func() bool {
		states, err := m.Poll(context.Background(), []string{jobID})
		return err == nil && states[jobID] == JobDone
	}, 3*time.Second, 20*time.Millisecond)

	raw, err := os.ReadFile(outFile)
	chk.NoError(err)
	chk.Equal("7 ensemble-s7", strings.TrimSpace(string(raw)))
}

func TestLocalManagerCancelStopsJob(t *testing.T) {
	chk := require.New(t)

	m := NewLocalManager("sh", []string{"-c", "sleep 30"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobID, err := m.Submit(ctx, Job{SimID: 1, Name: "j"})
	chk.NoError(err)

	states, err := m.Poll(context.Background(), []string{jobID})
	chk.NoError(err)
	chk.Equal(JobRunning, states[jobID])

	chk.NoError(m.Cancel(context.Background(), jobID))
	chk.Eventually(func() bool {
		states, err := m.Poll(context.Background(), []string{jobID})
		return err == nil && states[jobID] == JobDone
	}, 3*time.Second, 20*time.Millisecond)

	// Unknown job ids read as done.
	states, err = m.Poll(context.Background(), []string{"local-missing"})
	chk.NoError(err)
	chk.Equal(JobDone, states["local-missing"])
}
