package sandbox

import (
	"context"
	"fmt"

	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/sandbox/runner"
	"codejudge/internal/judge/sandbox/workspace"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Worker executes compile/run workflows for one job at a time. It owns the
// workspace lifecycle: every path out of Judge or Execute destroys it.
type Worker struct {
	runner     runner.Runner
	languages  *profile.Table
	workspaces *workspace.Manager

	allowStderr bool
	progress    ProgressReporter
}

// NewWorker creates a new worker with required dependencies.
func NewWorker(r runner.Runner, languages *profile.Table, workspaces *workspace.Manager) *Worker {
	return &Worker{
		runner:     r,
		languages:  languages,
		workspaces: workspaces,
	}
}

// SetAllowStderr switches runtime-error detection from "any stderr output"
// to "non-zero exit only".
func (w *Worker) SetAllowStderr(allow bool) {
	w.allowStderr = allow
}

// SetProgressReporter injects a reporter for intermediate updates.
func (w *Worker) SetProgressReporter(reporter ProgressReporter) {
	w.progress = reporter
}

// Judge compiles once and runs the test cases in order, stopping at the
// first case that does not pass.
func (w *Worker) Judge(ctx context.Context, req JudgeRequest) (result.JudgeVerdict, error) {
	if err := w.ready(); err != nil {
		return result.JudgeVerdict{}, err
	}
	if len(req.TestCases) == 0 {
		return result.JudgeVerdict{}, appErr.New(appErr.TestCasesRequired)
	}
	lang, err := w.languages.Lookup(req.Language)
	if err != nil {
		return result.JudgeVerdict{}, err
	}

	ws, err := w.workspaces.Create(req.JobID, lang, req.Source, "")
	if err != nil {
		return result.JudgeVerdict{}, err
	}
	defer w.destroy(ctx, ws)

	cases := make([]result.CaseResult, len(req.TestCases))
	for i, tc := range req.TestCases {
		cases[i] = result.CaseResult{
			Index:          i,
			Status:         result.CaseNotRun,
			Input:          tc.Input,
			ExpectedOutput: tc.Output,
		}
	}

	w.report(ctx, req.JobID, StageCompiling, len(cases), 0)
	compileRes, err := w.runner.Compile(ctx, runner.CompileRequest{JobID: req.JobID, Language: lang, Workspace: ws})
	if err != nil {
		return result.JudgeVerdict{}, err
	}
	if !compileRes.OK {
		cases[0].Status = result.CaseError
		cases[0].Error = appErr.CompileError(result.SanitizeError(lang.ID, compileRes.Error, ws.Dir)).Error()
		return result.Summarize(cases, req.MaxScore), nil
	}

	for i := range cases {
		if err := ctx.Err(); err != nil {
			return result.JudgeVerdict{}, appErr.Wrapf(err, appErr.Timeout, "judge interrupted: %v", err)
		}
		w.report(ctx, req.JobID, StageRunning, len(cases), i)
		cases[i].Status = result.CaseRunning
		if err := ws.WriteInput(cases[i].Input); err != nil {
			return result.JudgeVerdict{}, err
		}

		res, err := w.runner.Run(ctx, runner.RunRequest{
			JobID:     req.JobID,
			Step:      fmt.Sprintf("case-%d", i),
			Language:  lang,
			Workspace: ws,
		})
		if err != nil {
			return result.JudgeVerdict{}, err
		}

		c := &cases[i]
		c.ExecutionTimeMs = res.ExecutionTimeMs
		c.ActualOutput = result.TrimOutput(res.Stdout)
		switch {
		case res.TimedOut:
			c.Status = result.CaseTimeout
			c.Error = appErr.TimeoutError().Error()
		case w.isRuntimeError(res):
			c.Status = result.CaseError
			c.Error = appErr.RuntimeFailure(result.SanitizeError(lang.ID, res.Stderr, ws.Dir), res.ExitCode).Error()
		case !outputsMatch(res.Stdout, c.ExpectedOutput):
			c.Status = result.CaseFailed
		default:
			c.Status = result.CasePassed
		}
		if c.Status != result.CasePassed {
			break
		}
	}
	w.report(ctx, req.JobID, StageRunning, len(cases), len(cases))

	return result.Summarize(cases, req.MaxScore), nil
}

// Execute compiles and runs source once with the request stdin.
func (w *Worker) Execute(ctx context.Context, req ExecuteRequest) (result.RunOutcome, error) {
	if err := w.ready(); err != nil {
		return result.RunOutcome{}, err
	}
	lang, err := w.languages.Lookup(req.Language)
	if err != nil {
		return result.RunOutcome{}, err
	}

	ws, err := w.workspaces.Create(req.JobID, lang, req.Source, req.Stdin)
	if err != nil {
		return result.RunOutcome{}, err
	}
	defer w.destroy(ctx, ws)

	w.report(ctx, req.JobID, StageCompiling, 1, 0)
	compileRes, err := w.runner.Compile(ctx, runner.CompileRequest{JobID: req.JobID, Language: lang, Workspace: ws})
	if err != nil {
		return result.RunOutcome{}, err
	}
	if !compileRes.OK {
		return result.RunOutcome{
			Status: result.StatusError,
			Error:  appErr.CompileError(result.SanitizeError(lang.ID, compileRes.Error, ws.Dir)).Error(),
		}, nil
	}

	w.report(ctx, req.JobID, StageRunning, 1, 0)
	res, err := w.runner.Run(ctx, runner.RunRequest{JobID: req.JobID, Language: lang, Workspace: ws})
	if err != nil {
		return result.RunOutcome{}, err
	}
	if res.TimedOut {
		return result.RunOutcome{
			Status:          result.StatusError,
			Error:           appErr.TimeoutError().Error(),
			ExecutionTimeMs: res.ExecutionTimeMs,
		}, nil
	}
	return result.RunOutcome{
		Status:          result.StatusCompleted,
		Output:          res.Stdout,
		Error:           result.SanitizeError(lang.ID, res.Stderr, ws.Dir),
		ExecutionTimeMs: res.ExecutionTimeMs,
	}, nil
}

func (w *Worker) ready() error {
	if w.runner == nil || w.languages == nil || w.workspaces == nil {
		return appErr.New(appErr.JudgeSystemError).WithMessage("worker dependencies are not initialized")
	}
	return nil
}

func (w *Worker) isRuntimeError(res result.ExecutionResult) bool {
	if w.allowStderr {
		return res.ExitCode != 0
	}
	return res.Stderr != "" || res.ExitCode != 0
}

func (w *Worker) destroy(ctx context.Context, ws *workspace.Workspace) {
	if err := w.workspaces.Destroy(ws); err != nil {
		logger.Warn(ctx, "remove workspace failed", zap.String("dir", ws.Dir), zap.Error(err))
	}
}

func (w *Worker) report(ctx context.Context, jobID string, stage Stage, total, done int) {
	if w.progress == nil {
		return
	}
	if err := w.progress.ReportProgress(ctx, ProgressUpdate{
		JobID:      jobID,
		Stage:      stage,
		TotalCases: total,
		DoneCases:  done,
	}); err != nil {
		logger.Warn(ctx, "report progress failed", zap.Error(err))
	}
}

// outputsMatch compares program output to the expectation after trimming
// trailing whitespace on both sides.
func outputsMatch(actual, expected string) bool {
	return result.TrimOutput(actual) == result.TrimOutput(expected)
}
