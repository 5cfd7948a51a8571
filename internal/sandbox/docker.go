package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// DefaultImage runs agent shells when no image is configured.
	DefaultImage = "debian:bookworm-slim"

	containerPrefix  = "aether-proc-"
	labelManagedBy   = "aether.managed-by"
	labelProcessPID  = "aether.pid"
	containerWorkdir = "/workspace"
)

// DockerFactory provisions one container per process. The workspace
// directory is bind-mounted into the container, so file operations go
// through the host path and shell commands run inside the container.
type DockerFactory struct {
	cli    *client.Client
	root   string
	image  string
	logger *slog.Logger
}

// NewDockerFactory connects to the Docker daemon. Returns
// ErrUnavailable when the daemon cannot be reached.
func NewDockerFactory(dataDir, img string, logger *slog.Logger) (*DockerFactory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if img == "" {
		img = DefaultImage
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker daemon unreachable: %v", ErrUnavailable, err)
	}

	root := filepath.Join(dataDir, "workspaces")
	if err := os.MkdirAll(root, 0o755); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &DockerFactory{cli: cli, root: root, image: img, logger: logger.With("sandbox", "docker")}, nil
}

// Acquire starts the process container with its workspace mounted.
func (f *DockerFactory) Acquire(ctx context.Context, pid int) (Sandbox, error) {
	workdir := filepath.Join(f.root, strconv.Itoa(pid))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := f.ensureImage(ctx); err != nil {
		return nil, err
	}

	name := containerPrefix + strconv.Itoa(pid)
	cfg := &container.Config{
		Image:      f.image,
		WorkingDir: containerWorkdir,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Labels: map[string]string{
			labelManagedBy:  "aether",
			labelProcessPID: strconv.Itoa(pid),
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workdir,
			Target: containerWorkdir,
		}},
	}

	resp, err := f.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", ErrUnavailable, err)
	}
	if err := f.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = f.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: start container: %v", ErrUnavailable, err)
	}

	f.logger.Info("container started", "pid", pid, "container", resp.ID[:12])
	return &dockerSandbox{
		localSandbox: &localSandbox{workdir: workdir, browser: newBrowser(f.logger)},
		cli:          f.cli,
		containerID:  resp.ID,
		logger:       f.logger,
	}, nil
}

func (f *DockerFactory) ensureImage(ctx context.Context) error {
	if _, _, err := f.cli.ImageInspectWithRaw(ctx, f.image); err == nil {
		return nil
	}
	reader, err := f.cli.ImagePull(ctx, f.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrUnavailable, f.image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the daemon connection.
func (f *DockerFactory) Close() error { return f.cli.Close() }

// dockerSandbox shares the host-path file operations with the local
// backend and routes Exec into the container.
type dockerSandbox struct {
	*localSandbox
	cli         *client.Client
	containerID string
	logger      *slog.Logger
}

func (s *dockerSandbox) Exec(ctx context.Context, command string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   containerWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	}
	execResp, err := s.cli.ContainerExecCreate(ctx, s.containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}
	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr boundedBuffer
	stdout.limit = execOutputLimit
	stderr.limit = execOutputLimit

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copyDone <- copyErr
	}()
	select {
	case err := <-copyDone:
		if err != nil && !strings.Contains(err.Error(), "use of closed") {
			return nil, fmt.Errorf("sandbox: exec output: %w", err)
		}
	case <-ctx.Done():
		return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec inspect: %w", err)
	}
	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (s *dockerSandbox) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopTimeout := 5
	_ = s.cli.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &stopTimeout})
	if err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
		s.logger.Warn("container remove failed", "container", s.containerID[:12], "error", err)
	}
	return s.localSandbox.Release()
}
