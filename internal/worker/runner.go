package worker

import (
	"context"
	"log"
	"os"
	"os/exec"
)

// CommandRunner launches one rendered workflow command from a working
// directory and reports its exit outcome. The run's wall-clock budget
// arrives through ctx.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) error
}

// ShellRunner executes commands through /bin/sh so rendered step templates
// can use pipes and redirection. Model output goes straight to the worker's
// stdout and stderr.
type ShellRunner struct {
	Log *log.Logger
}

func (r *ShellRunner) Run(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if r.Log != nil {
		r.Log.Printf("exec: %s", command)
	}
	return cmd.Run()
}

var _ CommandRunner = (*ShellRunner)(nil)
