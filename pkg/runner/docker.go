package runner

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ContainerMountPoint is where the workspace is mounted inside the engine container.
const ContainerMountPoint = "/netintent/work"

// DockerConfig configures the container runtime.
type DockerConfig struct {
	// Image is the execution environment image. It must be pinned by digest
	// unless AllowUnpinned is set.
	Image         string
	AllowUnpinned bool

	// CPUs and MemoryBytes limit the container. Zero leaves them unlimited.
	CPUs        float64
	MemoryBytes int64

	// NetworkMode is passed through to the container host config.
	NetworkMode string
}

// Validate checks the image reference.
func (c DockerConfig) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("docker image is required")
	}
	if !c.AllowUnpinned && !strings.Contains(c.Image, "@sha256:") {
		return fmt.Errorf("docker image %q is not pinned by digest", c.Image)
	}
	return nil
}

// DockerRuntime runs the engine in a throwaway container with a read-only root filesystem.
type DockerRuntime struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerRuntime connects to the daemon configured in the environment.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, cfg: cfg}, nil
}

// Name returns "docker".
func (r *DockerRuntime) Name() string { return "docker" }

// MountPoint returns ContainerMountPoint.
func (r *DockerRuntime) MountPoint(string) string { return ContainerMountPoint }

// Ping checks that the daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Start creates and starts the engine container and follows its merged output.
func (r *DockerRuntime) Start(ctx context.Context, inv Invocation) (Process, error) {
	// A container left behind by an earlier attempt of the same phase.
	if err := r.remove(ctx, inv.Name); err != nil {
		return nil, err
	}

	opts := client.ContainerCreateOptions{
		Name:  inv.Name,
		Image: r.cfg.Image,
		Config: &container.Config{
			Cmd:          inv.Command,
			Env:          containerEnv(inv.Env),
			WorkingDir:   ContainerMountPoint,
			Tty:          true,
			AttachStdout: true,
			AttachStderr: true,
			Labels: map[string]string{
				"netintent.run": inv.Name,
			},
		},
		HostConfig: &container.HostConfig{
			Binds: []string{
				inv.Workspace.Dir + ":" + ContainerMountPoint + ":ro",
				inv.Workspace.OutputDir + ":" + ContainerMountPoint + "/" + outputDir,
			},
			ReadonlyRootfs: true,
			Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
			Resources: container.Resources{
				NanoCPUs: int64(r.cfg.CPUs * 1e9),
				Memory:   r.cfg.MemoryBytes,
			},
		},
	}
	if r.cfg.NetworkMode != "" {
		opts.HostConfig.NetworkMode = container.NetworkMode(r.cfg.NetworkMode)
	}

	created, err := r.cli.ContainerCreate(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if _, err := r.cli.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		r.remove(context.WithoutCancel(ctx), created.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	// The log stream and the wait outlive ctx; the container is stopped through Kill.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logs, err := r.cli.ContainerLogs(procCtx, created.ID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		cancel()
		r.stop(context.WithoutCancel(ctx), created.ID)
		r.remove(context.WithoutCancel(ctx), created.ID)
		return nil, fmt.Errorf("failed to follow container logs: %w", err)
	}

	return &containerProcess{
		runtime: r,
		id:      created.ID,
		ctx:     procCtx,
		cancel:  cancel,
		logs:    logs,
	}, nil
}

func (r *DockerRuntime) stop(ctx context.Context, id string) error {
	zero := 0
	_, err := r.cli.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &zero})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

func (r *DockerRuntime) remove(ctx context.Context, id string) error {
	_, err := r.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

func containerEnv(extra map[string]string) []string {
	env := make([]string, 0, len(extra))
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

type containerProcess struct {
	runtime *DockerRuntime
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	logs    io.ReadCloser

	killOnce sync.Once
	killErr  error
}

// Stdout returns the merged TTY stream.
func (p *containerProcess) Stdout() io.Reader { return p.logs }
func (p *containerProcess) Stderr() io.Reader { return nil }

func (p *containerProcess) Wait() (int, error) {
	defer func() {
		p.logs.Close()
		p.cancel()
		cleanup, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		p.runtime.remove(cleanup, p.id)
	}()

	waitResult := p.runtime.cli.ContainerWait(p.ctx, p.id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	select {
	case err := <-waitResult.Error:
		if err != nil {
			return -1, fmt.Errorf("failed to wait for container: %w", err)
		}
		return 0, nil
	case resp := <-waitResult.Result:
		return int(resp.StatusCode), nil
	}
}

func (p *containerProcess) Kill() error {
	p.killOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.killErr = p.runtime.stop(ctx, p.id)
	})
	return p.killErr
}
