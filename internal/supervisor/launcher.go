package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Spec describes the worker to launch for one session.
type Spec struct {
	SessionID   string
	SessionName string
	// Dir is the materialized credential directory.
	Dir string
}

// Env returns the environment variables a worker reads its identity from.
func (s Spec) Env() []string {
	return []string{
		"SESSION_ID=" + s.SessionID,
		"SESSION_NAME=" + s.SessionName,
		"SESSION_DIR=" + s.Dir,
		"AUTO_START=true",
	}
}

// Process is a running worker.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. It must be called once, after
	// Stdout and Stderr have been drained.
	Wait() (exitCode int, err error)
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs workers as local OS processes.
type ExecLauncher struct {
	command string
	args    []string
	dir     string
	env     []string
}

// NewExecLauncher creates a launcher for command. workDir is the working
// directory of the child; env is added to the inherited environment.
func NewExecLauncher(command string, args []string, workDir string, env []string) *ExecLauncher {
	return &ExecLauncher{command: command, args: args, dir: workDir, env: env}
}

// Launch starts the worker. ctx only bounds the start itself; the process
// lives until it exits or is killed.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.command == "" {
		return nil, errors.New("worker command is not configured")
	}
	cmd := exec.Command(l.command, l.args...)
	cmd.Dir = l.dir
	cmd.Env = append(append(os.Environ(), l.env...), spec.Env()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Kill() error       { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
