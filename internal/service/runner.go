package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
)

// Command describes a worker invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the environment of the host
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Process is a spawned worker. Stdout and Stderr are line oriented streams
// which end when the worker closes them. Wait must only be called after both
// streams were read to the end.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait returns the exit code. The error is reserved for failures of the
	// wait itself, a non zero exit is not an error.
	Wait() (int, error)
	// Terminate asks the worker to stop gracefully.
	Terminate() error
}

// Spawner starts workers. ExecSpawner runs real processes, tests use fakes.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Process, error)
}

// ExecSpawner is a Spawner backed by os/exec.
type ExecSpawner struct{}

// Spawn starts the process with both output streams piped. The process is not
// bound to ctx: a run outlives the request that started it and stops only
// through Terminate.
func (ExecSpawner) Spawn(_ context.Context, c Command) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capturing stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("capturing stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Stderr() io.Reader {
	return p.stderr
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return exitCode(p.cmd.ProcessState), nil
}

func (p *execProcess) Terminate() error {
	var err error
	if runtime.GOOS == "windows" {
		err = p.cmd.Process.Kill()
	} else {
		err = p.cmd.Process.Signal(os.Interrupt)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// exitCode follows the shell convention: a process killed by a signal
// reports 128+signal, so a worker stopped by SIGINT yields ExitCancelled.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
