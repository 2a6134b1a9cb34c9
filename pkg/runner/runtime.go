package runner

import (
	"context"
	"io"
)

// Invocation describes one engine process.
type Invocation struct {
	// Name uniquely identifies the invocation, e.g. for container names.
	Name string

	// Command is the argv of the engine.
	Command []string

	// Env is added to the engine environment.
	Env map[string]string

	// Workspace is the host directory prepared for this invocation.
	Workspace *Workspace
}

// Process is a started engine.
type Process interface {
	// Stdout yields standard output. Runtimes with a merged stream return it here.
	Stdout() io.Reader

	// Stderr yields standard error, or nil if merged into Stdout.
	Stderr() io.Reader

	// Wait blocks until the process exited. It must be called only after the
	// output streams reached EOF, and returns the exit code.
	Wait() (int, error)

	// Kill terminates the engine and everything it spawned.
	Kill() error
}

// Runtime starts engine processes in some isolation boundary.
type Runtime interface {
	// Name identifies the runtime in logs.
	Name() string

	// MountPoint returns the path at which the engine sees the workspace directory.
	MountPoint(workspaceDir string) string

	// Start launches the engine.
	Start(ctx context.Context, inv Invocation) (Process, error)
}
