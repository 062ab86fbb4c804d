package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/richinsley/gorenderbridge/options"
)

// Worker is a running render worker.
type Worker interface {
	// Wait blocks until the worker exits.
	Wait() error
	Kill() error
}

// Launcher starts a worker that will connect to the bridge described by
// args.
type Launcher interface {
	Launch(ctx context.Context, opts *options.Options, args *options.WorkerArgs) (Worker, error)
}

// ProcessLauncher runs the worker executable named by the options.
type ProcessLauncher struct {
	// Stdout and Stderr receive the worker's output; nil means the host's.
	Stdout io.Writer
	Stderr io.Writer
}

type process struct {
	cmd *exec.Cmd
}

func (p *process) Wait() error { return p.cmd.Wait() }
func (p *process) Kill() error { return p.cmd.Process.Kill() }

// Launch starts the worker process. The process outlives ctx; it is stopped
// through the bridge.
func (l ProcessLauncher) Launch(_ context.Context, opts *options.Options, args *options.WorkerArgs) (Worker, error) {
	path, extra, err := opts.WorkerCommand()
	if err != nil {
		return nil, err
	}
	if path, err = exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	cmd := exec.Command(path, append(extra, args.Flags()...)...)
	cmd.Stdout, cmd.Stderr = l.Stdout, l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %s: %w", path, err)
	}
	return &process{cmd: cmd}, nil
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, opts *options.Options, args *options.WorkerArgs) (Worker, error)

func (f LauncherFunc) Launch(ctx context.Context, opts *options.Options, args *options.WorkerArgs) (Worker, error) {
	return f(ctx, opts, args)
}
