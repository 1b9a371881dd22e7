//go:build linux

package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codejudge/internal/judge/sandbox/engine"
	"codejudge/internal/judge/sandbox/spec"
	appErr "codejudge/pkg/errors"
)

func newLocal(t *testing.T, maxOutput int64) engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Config{Backend: engine.BackendLocal, MaxOutputBytes: maxOutput})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestLocalEngineStdinAndExitCode(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input")
	if err := os.WriteFile(input, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := newLocal(t, 0).Run(context.Background(), spec.RunSpec{
		WorkDir:   dir,
		Cmd:       []string{"/bin/sh", "-c", "cat; echo oops >&2; exit 3"},
		StdinPath: input,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "hello\n" || res.Stderr != "oops\n" || res.ExitCode != 3 || res.TimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLocalEngineTimeoutKillsGroup(t *testing.T) {
	res, err := newLocal(t, 0).Run(context.Background(), spec.RunSpec{
		WorkDir: t.TempDir(),
		Cmd:     []string{"/bin/sh", "-c", "sleep 5 & sleep 5"},
		Limits:  spec.ResourceLimit{WallTimeMs: 100},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.ExecutionTimeMs >= 5000 {
		t.Fatalf("expected kill before sleep finished, took %dms", res.ExecutionTimeMs)
	}
}

func TestLocalEngineTruncatesOutput(t *testing.T) {
	res, err := newLocal(t, 8).Run(context.Background(), spec.RunSpec{
		WorkDir: t.TempDir(),
		Cmd:     []string{"/bin/sh", "-c", "printf '0123456789abcdef'"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "01234567" {
		t.Fatalf("expected truncated output, got %q", res.Stdout)
	}
}

func TestLocalEngineSpawnFailure(t *testing.T) {
	_, err := newLocal(t, 0).Run(context.Background(), spec.RunSpec{
		WorkDir: t.TempDir(),
		Cmd:     []string{"definitely-not-a-real-interpreter"},
	})
	if !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("expected SpawnFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "definitely-not-a-real-interpreter") {
		t.Fatalf("expected command in message, got %v", err)
	}
}
