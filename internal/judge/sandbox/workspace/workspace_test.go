package workspace_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/workspace"
)

func TestCreateWritesSourceAndInput(t *testing.T) {
	mgr, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	py, _ := profile.DefaultTable().Lookup("python")

	ws, err := mgr.Create("job-1", py, "print(input())", "hello\n")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer mgr.Destroy(ws)

	if !strings.HasPrefix(filepath.Base(ws.Dir), "code_exec_job-1_") {
		t.Fatalf("unexpected workspace name %s", ws.Dir)
	}
	src, err := os.ReadFile(filepath.Join(ws.Dir, "code.py"))
	if err != nil || string(src) != "print(input())" {
		t.Fatalf("source not written: %v %q", err, src)
	}
	in, err := os.ReadFile(ws.InputPath)
	if err != nil || string(in) != "hello\n" {
		t.Fatalf("input not written: %v %q", err, in)
	}

	if err := ws.WriteInput(""); err != nil {
		t.Fatalf("rewrite input: %v", err)
	}
	in, _ = os.ReadFile(ws.InputPath)
	if len(in) != 0 {
		t.Fatalf("expected empty input, got %q", in)
	}
}

func TestCreateJavaUsesClassName(t *testing.T) {
	mgr, _ := workspace.NewManager(t.TempDir())
	java, _ := profile.DefaultTable().Lookup("java")

	ws, err := mgr.Create("job-2", java, "public class Solver { }", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer mgr.Destroy(ws)

	if ws.ClassName != "Solver" || ws.SourceFile != "Solver.java" {
		t.Fatalf("unexpected java layout: %s %s", ws.ClassName, ws.SourceFile)
	}
	if _, err := os.Stat(ws.SourcePath); err != nil {
		t.Fatalf("expected source file: %v", err)
	}
}

func TestWorkspacesAreUniqueAndDestroyIsIdempotent(t *testing.T) {
	mgr, _ := workspace.NewManager(t.TempDir())
	cpp, _ := profile.DefaultTable().Lookup("cpp")

	a, err := mgr.Create("same", cpp, "int main(){}", "")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := mgr.Create("same", cpp, "int main(){}", "")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.Dir == b.Dir {
		t.Fatalf("expected distinct directories")
	}
	if b.BinaryPath != filepath.Join(b.Dir, "code") {
		t.Fatalf("unexpected binary path %s", b.BinaryPath)
	}

	for i := 0; i < 2; i++ {
		if err := mgr.Destroy(a); err != nil {
			t.Fatalf("destroy: %v", err)
		}
	}
	if _, err := os.Stat(a.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err=%v", err)
	}
	_ = mgr.Destroy(b)
	if err := mgr.Destroy(nil); err != nil {
		t.Fatalf("nil destroy: %v", err)
	}
}
