package engine

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/sandbox/spec"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	containerWorkDir = result.SandboxDir

	defaultMemoryMB int64 = 512
	defaultNanoCPUs int64 = 500_000_000
	defaultPIDs     int64 = 64
)

// DockerConfig controls the container backend.
type DockerConfig struct {
	// Host overrides DOCKER_HOST; empty uses the environment.
	Host     string `yaml:"host"`
	MemoryMB int64  `yaml:"memoryMB"`
	NanoCPUs int64  `yaml:"nanoCPUs"`
	PIDs     int64  `yaml:"pids"`
	// PullImages pulls every language image at startup.
	PullImages bool `yaml:"pullImages"`
}

// DockerAPI is the slice of the Docker client the engine uses.
type DockerAPI interface {
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error)
	Kill(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Remove(ctx context.Context, id string) error
	Pull(ctx context.Context, ref string) error
}

type clientAPI struct {
	cli *client.Client
}

func (c clientAPI) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		logger.Debug(ctx, "container create warning", zap.String("warning", w))
	}
	return resp.ID, nil
}

func (c clientAPI) Start(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c clientAPI) Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error) {
	return c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
}

func (c clientAPI) Kill(ctx context.Context, id string) error {
	return c.cli.ContainerKill(ctx, id, "KILL")
}

func (c clientAPI) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
}

func (c clientAPI) Remove(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (c clientAPI) Pull(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// DockerEngine runs every process in a fresh container with the workspace
// bind mounted at /sandbox and networking disabled.
type DockerEngine struct {
	api       DockerAPI
	cfg       DockerConfig
	maxOutput int64
}

// NewDockerEngine connects to the Docker daemon described by cfg.Docker.
func NewDockerEngine(cfg Config) (*DockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewDockerEngineWithAPI(clientAPI{cli: cli}, cfg), nil
}

// NewDockerEngineWithAPI builds an engine on a caller-supplied client.
func NewDockerEngineWithAPI(api DockerAPI, cfg Config) *DockerEngine {
	d := cfg.Docker
	if d.MemoryMB <= 0 {
		d.MemoryMB = defaultMemoryMB
	}
	if d.NanoCPUs <= 0 {
		d.NanoCPUs = defaultNanoCPUs
	}
	if d.PIDs <= 0 {
		d.PIDs = defaultPIDs
	}
	return &DockerEngine{api: api, cfg: d, maxOutput: outputLimit(spec.ResourceLimit{}, cfg.MaxOutputBytes)}
}

func (e *DockerEngine) Name() string { return BackendDocker }

func (e *DockerEngine) SandboxDir(string) string { return containerWorkDir }

// EnsureImages pulls the given images so the first job does not pay for it.
func (e *DockerEngine) EnsureImages(ctx context.Context, images []string) error {
	seen := make(map[string]struct{}, len(images))
	for _, ref := range images {
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		logger.Info(ctx, "pulling sandbox image", zap.String("image", ref))
		if err := e.api.Pull(ctx, ref); err != nil {
			return fmt.Errorf("pull %s: %w", ref, err)
		}
	}
	return nil
}

func (e *DockerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.ExecutionResult{}, err
	}
	if runSpec.Image == "" {
		return result.ExecutionResult{}, appErr.ValidationError("image", "required")
	}
	cmd, err := containerCommand(runSpec)
	if err != nil {
		return result.ExecutionResult{}, err
	}

	limits := runSpec.Limits
	memMB := firstPositive(limits.MemoryMB, e.cfg.MemoryMB)
	pids := firstPositive(limits.PIDs, e.cfg.PIDs)
	cfg := &container.Config{
		Image:           runSpec.Image,
		Cmd:             cmd,
		Env:             runSpec.Env,
		WorkingDir:      containerWorkDir,
		NetworkDisabled: true,
		Labels:          map[string]string{"codejudge.job": runSpec.JobID, "codejudge.step": runSpec.Step},
	}
	host := &container.HostConfig{
		Binds:       []string{runSpec.WorkDir + ":" + containerWorkDir},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:     memMB << 20,
			MemorySwap: memMB << 20,
			NanoCPUs:   firstPositive(limits.NanoCPUs, e.cfg.NanoCPUs),
			PidsLimit:  &pids,
		},
	}

	id, err := e.api.Create(ctx, cfg, host, containerName(runSpec))
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.SpawnFailed, "create container failed: %v", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.api.Remove(rmCtx, id); err != nil {
			logger.Warn(ctx, "remove container failed", zap.String("container", id), zap.Error(err))
		}
	}()

	waitCh, errCh := e.api.Wait(context.WithoutCancel(ctx), id)
	start := time.Now()
	if err := e.api.Start(ctx, id); err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.SpawnFailed, "start container failed: %v", err)
	}

	timer := time.NewTimer(time.Duration(wallLimitMs(limits)) * time.Millisecond)
	defer timer.Stop()

	var (
		exitCode int
		timedOut bool
		waitErr  error
	)
	select {
	case resp := <-waitCh:
		exitCode = int(resp.StatusCode)
	case waitErr = <-errCh:
	case <-timer.C:
		timedOut = true
		e.kill(ctx, id)
		exitCode = -1
		drainWait(waitCh, errCh)
	case <-ctx.Done():
		e.kill(ctx, id)
		drainWait(waitCh, errCh)
		return result.ExecutionResult{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "run %s interrupted: %v", runSpec.Step, ctx.Err())
	}
	elapsed := time.Since(start)
	if waitErr != nil {
		return result.ExecutionResult{}, appErr.Wrapf(waitErr, appErr.JudgeSystemError, "wait container failed: %v", waitErr)
	}

	limit := outputLimit(limits, e.maxOutput)
	stdout := newLimitedBuffer(limit)
	stderr := newLimitedBuffer(limit)
	logs, err := e.api.Logs(context.WithoutCancel(ctx), id)
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "read container logs failed: %v", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "demux container logs failed: %v", err)
	}

	return result.ExecutionResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		TimedOut:        timedOut,
		ExecutionTimeMs: elapsed.Milliseconds(),
		ExitCode:        exitCode,
	}, nil
}

func (e *DockerEngine) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.api.Kill(killCtx, id); err != nil {
		logger.Warn(ctx, "kill container failed", zap.String("container", id), zap.Error(err))
	}
}

func drainWait(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	select {
	case <-waitCh:
	case <-errCh:
	case <-time.After(5 * time.Second):
	}
}

// containerCommand wraps the command so stdin comes from the workspace file
// inside the container.
func containerCommand(runSpec spec.RunSpec) ([]string, error) {
	if runSpec.StdinPath == "" {
		return runSpec.Cmd, nil
	}
	rel, err := filepath.Rel(runSpec.WorkDir, runSpec.StdinPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, appErr.Newf(appErr.InvalidParams, "stdin %s is outside the workspace", runSpec.StdinPath)
	}
	stdin := path.Join(containerWorkDir, filepath.ToSlash(rel))
	return append([]string{"sh", "-c", `exec "$@" < ` + stdin, "sh"}, runSpec.Cmd...), nil
}

func containerName(runSpec spec.RunSpec) string {
	if runSpec.JobID == "" {
		return ""
	}
	name := "codejudge_" + runSpec.JobID
	if runSpec.Step != "" {
		name += "_" + runSpec.Step
	}
	return name + "_" + fmt.Sprint(time.Now().UnixNano())
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
