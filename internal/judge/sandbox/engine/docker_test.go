package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codejudge/internal/judge/sandbox/engine"
	"codejudge/internal/judge/sandbox/spec"
	appErr "codejudge/pkg/errors"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

type fakeDocker struct {
	mu        sync.Mutex
	createCfg *container.Config
	hostCfg   *container.HostConfig
	createErr error
	exitCode  int64
	block     bool
	stdout    string
	stderr    string
	killed    bool
	removed   bool
	pulled    []string
	waitCh    chan container.WaitResponse
}

func (f *fakeDocker) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCfg = cfg
	f.hostCfg = host
	if f.createErr != nil {
		return "", f.createErr
	}
	return "c1", nil
}

func (f *fakeDocker) Start(ctx context.Context, id string) error { return nil }

func (f *fakeDocker) Wait(ctx context.Context, id string) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCh = make(chan container.WaitResponse, 1)
	if !f.block {
		f.waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return f.waitCh, make(chan error, 1)
}

func (f *fakeDocker) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	select {
	case f.waitCh <- container.WaitResponse{StatusCode: 137}:
	default:
	}
	return nil
}

func (f *fakeDocker) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func (f *fakeDocker) Pull(ctx context.Context, ref string) error {
	f.pulled = append(f.pulled, ref)
	return nil
}

func dockerSpec(dir string) spec.RunSpec {
	return spec.RunSpec{
		JobID:     "job-1",
		Step:      "case-0",
		Image:     "python:3.10",
		WorkDir:   dir,
		Cmd:       []string{"python3", "/sandbox/code.py"},
		StdinPath: filepath.Join(dir, "input"),
		Limits:    spec.ResourceLimit{WallTimeMs: 2000},
	}
}

func TestDockerEngineRun(t *testing.T) {
	dir := t.TempDir()
	api := &fakeDocker{stdout: "3\n", stderr: "warn\n", exitCode: 0}
	eng := engine.NewDockerEngineWithAPI(api, engine.Config{})

	res, err := eng.Run(context.Background(), dockerSpec(dir))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "3\n" || res.Stderr != "warn\n" || res.TimedOut || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !api.removed {
		t.Fatalf("expected container to be removed")
	}

	wantCmd := []string{"sh", "-c", `exec "$@" < /sandbox/input`, "sh", "python3", "/sandbox/code.py"}
	if len(api.createCfg.Cmd) != len(wantCmd) {
		t.Fatalf("expected cmd %v, got %v", wantCmd, api.createCfg.Cmd)
	}
	for i := range wantCmd {
		if api.createCfg.Cmd[i] != wantCmd[i] {
			t.Fatalf("expected cmd %v, got %v", wantCmd, api.createCfg.Cmd)
		}
	}
	if api.hostCfg.NetworkMode != "none" {
		t.Fatalf("expected network disabled, got %s", api.hostCfg.NetworkMode)
	}
	if api.hostCfg.Resources.Memory != 512<<20 {
		t.Fatalf("expected 512MiB memory limit, got %d", api.hostCfg.Resources.Memory)
	}
	if api.hostCfg.Binds[0] != dir+":/sandbox" {
		t.Fatalf("unexpected bind %v", api.hostCfg.Binds)
	}
	if eng.SandboxDir(dir) != "/sandbox" {
		t.Fatalf("expected /sandbox view")
	}
}

func TestDockerEngineTimeoutKillsContainer(t *testing.T) {
	api := &fakeDocker{block: true}
	eng := engine.NewDockerEngineWithAPI(api, engine.Config{})
	runSpec := dockerSpec(t.TempDir())
	runSpec.Limits.WallTimeMs = 20

	start := time.Now()
	res, err := eng.Run(context.Background(), runSpec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !api.killed || !api.removed {
		t.Fatalf("expected kill and remove, killed=%v removed=%v", api.killed, api.removed)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout took too long")
	}
}

func TestDockerEngineCreateFailureIsSpawnError(t *testing.T) {
	api := &fakeDocker{createErr: errors.New("no such image")}
	eng := engine.NewDockerEngineWithAPI(api, engine.Config{})

	_, err := eng.Run(context.Background(), dockerSpec(t.TempDir()))
	if !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("expected SpawnFailed, got %v", err)
	}
}

func TestDockerEngineEnsureImagesDedupes(t *testing.T) {
	api := &fakeDocker{}
	eng := engine.NewDockerEngineWithAPI(api, engine.Config{})
	if err := eng.EnsureImages(context.Background(), []string{"gcc:latest", "", "gcc:latest", "node:18"}); err != nil {
		t.Fatalf("ensure images: %v", err)
	}
	if len(api.pulled) != 2 {
		t.Fatalf("expected 2 pulls, got %v", api.pulled)
	}
}
