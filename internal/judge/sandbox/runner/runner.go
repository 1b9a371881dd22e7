package runner

import (
	"context"
	"time"

	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/sandbox/workspace"
)

// CompileRequest describes one compilation task.
type CompileRequest struct {
	JobID     string
	Language  profile.LanguageSpec
	Workspace *workspace.Workspace
	// Timeout overrides the configured compile bound when positive.
	Timeout time.Duration
}

// RunRequest describes one execution of the compiled or interpreted program.
// Stdin is read from the workspace input file.
type RunRequest struct {
	JobID     string
	Step      string
	Language  profile.LanguageSpec
	Workspace *workspace.Workspace
	// Timeout overrides the configured run bound when positive.
	Timeout time.Duration
}

// Runner orchestrates compile and run workflows.
type Runner interface {
	Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error)
	Run(ctx context.Context, req RunRequest) (result.ExecutionResult, error)
}
