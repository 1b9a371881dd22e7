//go:build linux || darwin || freebsd || netbsd || openbsd

package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/sandbox/spec"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type localEngine struct {
	maxOutput int64
}

// NewLocalEngine creates an engine that runs host subprocesses in their own
// process group so the whole tree can be killed on timeout.
func NewLocalEngine(cfg Config) (Engine, error) {
	return &localEngine{maxOutput: outputLimit(spec.ResourceLimit{}, cfg.MaxOutputBytes)}, nil
}

func (e *localEngine) Name() string { return BackendLocal }

func (e *localEngine) SandboxDir(hostDir string) string { return hostDir }

func (e *localEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.ExecutionResult{}, err
	}

	cmd := exec.Command(runSpec.Cmd[0], runSpec.Cmd[1:]...)
	cmd.Dir = runSpec.WorkDir
	cmd.Env = append(os.Environ(), runSpec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	if runSpec.StdinPath != "" {
		stdin, err := os.Open(runSpec.StdinPath)
		if err != nil {
			return result.ExecutionResult{}, appErr.Wrapf(err, appErr.WorkspaceError, "open stdin failed")
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}

	limit := outputLimit(runSpec.Limits, e.maxOutput)
	stdout := newLimitedBuffer(limit)
	stderr := newLimitedBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.SpawnFailed, "start %s failed: %v", runSpec.Cmd[0], err)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(time.Duration(wallLimitMs(runSpec.Limits)) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			killProcessGroup(cmd.Process.Pid)
		case <-timer.C:
			timedOut.Store(true)
			killProcessGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	elapsed := time.Since(start)

	res := result.ExecutionResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		TimedOut:        timedOut.Load(),
		ExecutionTimeMs: elapsed.Milliseconds(),
		ExitCode:        exitCodeFromErr(waitErr, cmd.ProcessState),
	}
	if res.TimedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}
	if stdout.truncated || stderr.truncated {
		logger.Warn(ctx, "process output truncated",
			zap.String("step", runSpec.Step),
			zap.Int64("limit_bytes", limit),
		)
	}
	if !res.TimedOut && ctx.Err() != nil {
		return res, appErr.Wrapf(ctx.Err(), appErr.Timeout, "run %s interrupted: %v", runSpec.Step, ctx.Err())
	}
	return res, nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
