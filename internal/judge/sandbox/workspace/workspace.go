// Package workspace manages the per-job sandbox directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"codejudge/internal/judge/sandbox/profile"
	appErr "codejudge/pkg/errors"
)

// InputFileName is the stdin file written next to the source.
const InputFileName = "input"

// Workspace is one job's private directory. It holds the source file, the
// input file, and any compiler output.
type Workspace struct {
	Dir        string
	SourceFile string
	SourcePath string
	BinaryPath string
	InputPath  string
	ClassName  string

	once sync.Once
}

// Manager creates and destroys workspaces under a common root.
type Manager struct {
	root string
}

// NewManager returns a manager rooted at root, creating it if needed.
// An empty root falls back to $TMPDIR/codejudge.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "codejudge")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string {
	return m.root
}

// Create makes a unique directory for jobID and writes source and stdin into it.
// The caller must Destroy the workspace on every path.
func (m *Manager) Create(jobID string, lang profile.LanguageSpec, source, stdin string) (*Workspace, error) {
	if jobID == "" {
		return nil, appErr.ValidationError("job_id", "required")
	}
	dir, err := os.MkdirTemp(m.root, "code_exec_"+jobID+"_*")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace failed")
	}

	fileName, className := profile.ResolveSourceFile(lang, source)
	ws := &Workspace{
		Dir:        dir,
		SourceFile: fileName,
		SourcePath: filepath.Join(dir, fileName),
		InputPath:  filepath.Join(dir, InputFileName),
		ClassName:  className,
	}
	if lang.BinaryFile != "" {
		ws.BinaryPath = filepath.Join(dir, lang.BinaryFile)
	}

	if err := os.WriteFile(ws.SourcePath, []byte(source), 0o644); err != nil {
		m.Destroy(ws)
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "write source failed")
	}
	if err := ws.WriteInput(stdin); err != nil {
		m.Destroy(ws)
		return nil, err
	}
	return ws, nil
}

// WriteInput replaces the stdin file contents.
func (ws *Workspace) WriteInput(stdin string) error {
	if err := os.WriteFile(ws.InputPath, []byte(stdin), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "write input failed")
	}
	return nil
}

// Destroy removes the workspace tree. It is safe to call more than once and
// with a nil workspace.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil || ws.Dir == "" {
		return nil
	}
	var err error
	ws.once.Do(func() {
		err = os.RemoveAll(ws.Dir)
	})
	return err
}
