// Package docker implements job.Engine by running the prediction engine in a
// container on the host Docker daemon.
//
// The job directory is bind-mounted as the container's working directory, so
// artifacts land where the supervisor expects them exactly as with the local
// engine.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/cnpem/boltz-slurm/internal/job"
)

const (
	labelManagedBy = "managed-by"
	labelJobID     = "job.id"
	managerName    = "boltz-service"
)

// Engine implements job.Engine using Docker.
type Engine struct {
	client  *client.Client
	cfg     Config
	devices []container.DeviceRequest
	state   *stateRepo
	logger  *slog.Logger

	pullMu sync.Mutex // serializes image pulls
}

// New connects to the Docker daemon from the environment and removes
// containers left behind by a previous service process.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	devices, err := deviceRequests(cfg.GPUs)
	if err != nil {
		return nil, err
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	e := &Engine{
		client:  dockerClient,
		cfg:     cfg,
		devices: devices,
		state:   newStateRepo(),
		logger:  slog.With("component", "engine", "engine", "docker"),
	}

	if err := e.reap(ctx); err != nil {
		e.logger.Warn("Failed to remove stale containers", "error", err)
	}
	return e, nil
}

// reap removes containers of jobs that were running when the service last
// stopped. Those jobs are closed out by the supervisor on startup.
func (e *Engine) reap(ctx context.Context) error {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managerName)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		e.logger.Info("Removing stale container", "containerId", c.ID, "jobId", c.Labels[labelJobID], "state", c.State)
		e.removeContainer(ctx, c.ID)
	}
	return nil
}

// Run implements job.Engine.
func (e *Engine) Run(ctx context.Context, inv job.Invocation) (*job.Outcome, error) {
	logger := e.logger.With("jobId", inv.JobID)

	if err := e.state.reserve(inv.JobID); err != nil {
		return nil, err
	}
	defer e.state.release(inv.JobID)

	if e.cfg.PullImage {
		if err := e.pullImageIfNeeded(ctx); err != nil {
			return nil, e.interrupted(ctx, fmt.Errorf("pull image %s: %w", e.cfg.Image, err))
		}
	}

	containerID, err := e.createContainer(ctx, inv)
	if err != nil {
		return nil, e.interrupted(ctx, fmt.Errorf("create container: %w", err))
	}
	e.state.commit(inv.JobID, containerID)
	defer e.removeContainer(context.WithoutCancel(ctx), containerID)

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, e.interrupted(ctx, fmt.Errorf("start container: %w", err))
	}
	logger.Debug("Engine container started", "containerId", containerID)

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		e.copyLogs(context.WithoutCancel(ctx), logger, containerID, inv.Stdout, inv.Stderr)
	}()

	exitCode, err := e.waitForExit(ctx, containerID)
	if ctx.Err() != nil {
		e.stopContainer(context.WithoutCancel(ctx), containerID)
		<-logsDone
		return nil, fmt.Errorf("engine terminated: %w", ctx.Err())
	}
	<-logsDone
	if err != nil {
		return nil, fmt.Errorf("wait for container: %w", err)
	}
	return &job.Outcome{ExitCode: exitCode}, nil
}

// interrupted reports ctx.Err() instead of err when the run was cut short,
// so callers can tell a timeout from a daemon failure.
func (e *Engine) interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("engine terminated: %w", ctx.Err())
	}
	return err
}

func (e *Engine) createContainer(ctx context.Context, inv job.Invocation) (string, error) {
	hostDir, err := filepath.Abs(inv.Dir)
	if err != nil {
		return "", err
	}

	mounts := []mount.Mount{{Type: mount.TypeBind, Source: hostDir, Target: workDir}}
	if e.cfg.CacheDir != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: e.cfg.CacheDir, Target: cacheTarget})
	}

	containerConfig := &container.Config{
		Image:      e.cfg.Image,
		Entrypoint: []string{e.cfg.Entrypoint},
		Cmd:        inv.Args,
		WorkingDir: workDir,
		User:       e.cfg.User,
		Labels: map[string]string{
			labelJobID:     inv.JobID,
			labelManagedBy: managerName,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			DeviceRequests: e.devices,
		},
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "boltz-"+inv.JobID)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// copyLogs demultiplexes the container's output into the job's log writers
// until the container exits.
func (e *Engine) copyLogs(ctx context.Context, logger *slog.Logger, containerID string, stdout, stderr io.Writer) {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("Log stream ended", "error", err)
	}
}

func (e *Engine) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (e *Engine) pullImageIfNeeded(ctx context.Context) error {
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	if _, err := e.client.ImageInspect(ctx, e.cfg.Image); err == nil {
		return nil
	}

	e.logger.Info("Pulling engine image", "image", e.cfg.Image)
	reader, err := e.client.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// stopContainer sends SIGTERM and lets the daemon SIGKILL after the grace period.
func (e *Engine) stopContainer(ctx context.Context, containerID string) {
	timeout := int(e.cfg.KillGrace.Seconds())
	if timeout < 1 {
		timeout = 1
	}
	if err := e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		e.logger.Warn("Failed to stop container", "containerId", containerID, "error", err)
	}
}

func (e *Engine) removeContainer(ctx context.Context, containerID string) {
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}

// CommandLine implements job.Engine.
func (e *Engine) CommandLine(args []string) string {
	parts := []string{"docker", "run", "--rm", "-v", "<job>:" + workDir, "-w", workDir}
	if e.cfg.GPUs != "" && !strings.EqualFold(e.cfg.GPUs, "none") {
		parts = append(parts, "--gpus", e.cfg.GPUs)
	}
	parts = append(parts, "--entrypoint", e.cfg.Entrypoint, e.cfg.Image)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Ready checks if the Docker daemon is reachable and responsive.
func (e *Engine) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close force-removes any container still tracked and closes the client.
func (e *Engine) Close() error {
	for _, id := range e.state.containers() {
		e.removeContainer(context.Background(), id)
	}
	return e.client.Close()
}

var _ job.Engine = (*Engine)(nil)
