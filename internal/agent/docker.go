package agent

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner runs the agent CLI inside a long-lived sandbox container
// through the Docker exec API.
type DockerRunner struct {
	cli       *client.Client
	container string
	bin       string
	workDir   string
	logger    *slog.Logger
}

// NewDockerRunner connects to the Docker daemon from the environment.
func NewDockerRunner(containerName, bin, workDir string, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if bin == "" {
		bin = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Docker agent runner initialized", "container", containerName)
	return &DockerRunner{cli: cli, container: containerName, bin: bin, workDir: workDir, logger: logger}, nil
}

// Ensure verifies that the sandbox container exists and starts it when it
// is stopped.
func (d *DockerRunner) Ensure(ctx context.Context) error {
	inspect, err := d.cli.ContainerInspect(ctx, d.container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("agent container %s not found", d.container)
		}
		return fmt.Errorf("inspect container %s: %w", d.container, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return nil
	}

	d.logger.Info("Starting stopped agent container", "container", d.container)
	if err := d.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", d.container, err)
	}
	return nil
}

// Close releases the Docker client.
func (d *DockerRunner) Close() error {
	return d.cli.Close()
}

// Query executes the CLI in the container and streams its stdout events.
func (d *DockerRunner) Query(ctx context.Context, req Request) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		ctx, cancel := withTimeout(ctx, req)
		defer cancel()

		execResp, err := d.cli.ContainerExecCreate(ctx, d.container, container.ExecOptions{
			AttachStdout: true,
			AttachStderr: true,
			Cmd:          append([]string{d.bin}, Args(req)...),
			WorkingDir:   d.workDir,
		})
		if err != nil {
			if errdefs.IsNotFound(err) {
				yield(nil, fmt.Errorf("agent container %s not found: %w", d.container, err))
				return
			}
			yield(nil, fmt.Errorf("create exec in %s: %w", d.container, err))
			return
		}

		attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
		if err != nil {
			yield(nil, fmt.Errorf("attach to exec %s: %w", execResp.ID, err))
			return
		}
		defer attach.Close()
		stop := context.AfterFunc(ctx, attach.Close)
		defer stop()

		stdoutR, stdoutW := io.Pipe()
		stderr := newTailBuffer(8 * 1024)
		go func() {
			_, copyErr := stdcopy.StdCopy(stdoutW, stderr, attach.Reader)
			stdoutW.CloseWithError(copyErr)
		}()
		defer stdoutR.Close()

		for ev, err := range Decode(ctx, stdoutR) {
			if err != nil {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}

		inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			d.logger.Warn("Failed to inspect agent exec", "exec_id", execResp.ID, "error", err)
			return
		}
		if inspect.ExitCode != 0 {
			yield(nil, exitError(fmt.Errorf("exit code %d", inspect.ExitCode), stderr.String(), req))
		}
	}
}
