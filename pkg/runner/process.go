package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
)

// passthroughEnv lists host variables the engine inherits.
var passthroughEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TMPDIR", "USER"}

// ProcessRuntime runs the engine as a local child process in its own process group.
type ProcessRuntime struct{}

// NewProcessRuntime creates a process runtime.
func NewProcessRuntime() *ProcessRuntime {
	return &ProcessRuntime{}
}

// Name returns "process".
func (r *ProcessRuntime) Name() string { return "process" }

// MountPoint returns the workspace directory unchanged.
func (r *ProcessRuntime) MountPoint(workspaceDir string) string { return workspaceDir }

// Start launches the engine. The process is not bound to ctx; it is stopped
// through Kill so that its output can still be drained.
func (r *ProcessRuntime) Start(_ context.Context, inv Invocation) (Process, error) {
	if len(inv.Command) == 0 {
		return nil, fmt.Errorf("engine command is required")
	}

	cmd := exec.Command(inv.Command[0], inv.Command[1:]...)
	cmd.Dir = inv.Workspace.Dir
	cmd.Env = buildEnv(inv.Env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", inv.Command[0], err)
	}
	return &osProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func buildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(passthroughEnv)+len(extra))
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }
func (p *osProcess) Stderr() io.Reader { return p.stderr }

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// -1 when terminated by a signal.
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *osProcess) Kill() error {
	return killProcessGroup(p.cmd)
}
