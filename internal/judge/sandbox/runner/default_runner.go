package runner

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"codejudge/internal/judge/sandbox/engine"
	"codejudge/internal/judge/sandbox/observer"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/sandbox/spec"
	"codejudge/internal/judge/sandbox/workspace"
	appErr "codejudge/pkg/errors"
)

const (
	defaultCompileTimeout = 10 * time.Second
	defaultRunTimeout     = 2000 * time.Millisecond
)

// Config holds the default bounds applied to every compile and run.
type Config struct {
	CompileTimeout time.Duration
	RunTimeout     time.Duration
	MemoryMB       int64
	NanoCPUs       int64
}

// DefaultRunner implements compile/run workflows on top of an engine.
type DefaultRunner struct {
	eng     engine.Engine
	cfg     Config
	metrics observer.MetricsRecorder
}

// NewRunner creates a new runner backed by the sandbox engine.
func NewRunner(eng engine.Engine, cfg Config) *DefaultRunner {
	return NewRunnerWithObserver(eng, cfg, observer.NoopMetricsRecorder{})
}

// NewRunnerWithObserver creates a new runner with metrics hooks.
func NewRunnerWithObserver(eng engine.Engine, cfg Config, metrics observer.MetricsRecorder) *DefaultRunner {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = defaultCompileTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	return &DefaultRunner{eng: eng, cfg: cfg, metrics: metrics}
}

// Compile runs the language's compile command once in the workspace.
// A failed compilation is reported in the result; the error return is
// reserved for failures to start or observe the compiler.
func (r *DefaultRunner) Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error) {
	if err := validateRequest(req.JobID, req.Language, req.Workspace); err != nil {
		return result.CompileResult{}, err
	}
	if !req.Language.CompileEnabled {
		return result.CompileResult{OK: true}, nil
	}

	cmd, err := buildCommand(req.Language.CompileCmdTpl, r.vars(req.Language, req.Workspace))
	if err != nil {
		return result.CompileResult{}, err
	}

	runSpec := spec.RunSpec{
		JobID:    req.JobID,
		Step:     "compile",
		Language: req.Language.ID,
		Image:    req.Language.Image,
		WorkDir:  req.Workspace.Dir,
		Cmd:      cmd,
		Env:      req.Language.Env,
		Limits:   r.limits(req.Timeout, r.cfg.CompileTimeout),
	}

	runRes, err := r.eng.Run(ctx, runSpec)
	if err != nil {
		r.metrics.ObserveCompile(ctx, req.Language.ID, false, runRes.ExecutionTimeMs)
		return result.CompileResult{Error: err.Error()}, err
	}

	compileRes := result.CompileResult{
		OK:       runRes.ExitCode == 0 && !runRes.TimedOut,
		ExitCode: runRes.ExitCode,
		TimeMs:   runRes.ExecutionTimeMs,
		TimedOut: runRes.TimedOut,
	}
	if !compileRes.OK {
		compileRes.Error = runRes.Stderr
		switch {
		case runRes.TimedOut && strings.TrimSpace(compileRes.Error) == "":
			compileRes.Error = fmt.Sprintf("compilation exceeded %s", runSpec.Limits.WallTime())
		case strings.TrimSpace(compileRes.Error) == "":
			compileRes.Error = exitMessage(runRes.ExitCode)
		}
	}
	r.metrics.ObserveCompile(ctx, req.Language.ID, compileRes.OK, compileRes.TimeMs)
	return compileRes, nil
}

// Run executes the program once with the workspace input as stdin.
func (r *DefaultRunner) Run(ctx context.Context, req RunRequest) (result.ExecutionResult, error) {
	if err := validateRequest(req.JobID, req.Language, req.Workspace); err != nil {
		return result.ExecutionResult{}, err
	}

	cmd, err := buildCommand(req.Language.RunCmdTpl, r.vars(req.Language, req.Workspace))
	if err != nil {
		return result.ExecutionResult{}, err
	}
	step := req.Step
	if step == "" {
		step = "run"
	}

	runSpec := spec.RunSpec{
		JobID:     req.JobID,
		Step:      step,
		Language:  req.Language.ID,
		Image:     req.Language.Image,
		WorkDir:   req.Workspace.Dir,
		Cmd:       cmd,
		Env:       req.Language.Env,
		StdinPath: req.Workspace.InputPath,
		Limits:    r.limits(req.Timeout, r.cfg.RunTimeout),
	}

	res, err := r.eng.Run(ctx, runSpec)
	if err != nil {
		r.metrics.ObserveRun(ctx, req.Language.ID, "system_error", res.ExecutionTimeMs)
		return res, err
	}
	if !res.TimedOut && res.ExitCode != 0 && strings.TrimSpace(res.Stderr) == "" {
		res.Stderr = exitMessage(res.ExitCode)
	}
	r.metrics.ObserveRun(ctx, req.Language.ID, runOutcome(res), res.ExecutionTimeMs)
	return res, nil
}

func (r *DefaultRunner) limits(override, fallback time.Duration) spec.ResourceLimit {
	wall := fallback
	if override > 0 {
		wall = override
	}
	return spec.ResourceLimit{
		WallTimeMs: wall.Milliseconds(),
		MemoryMB:   r.cfg.MemoryMB,
		NanoCPUs:   r.cfg.NanoCPUs,
	}
}

// commandVars are the values substituted into command templates, already
// translated to the engine's view of the workspace.
type commandVars struct {
	src   string
	bin   string
	dir   string
	class string
}

func (r *DefaultRunner) vars(lang profile.LanguageSpec, ws *workspace.Workspace) commandVars {
	dir := r.eng.SandboxDir(ws.Dir)
	join := filepath.Join
	if dir != ws.Dir {
		join = path.Join
	}
	v := commandVars{
		src:   join(dir, ws.SourceFile),
		dir:   dir,
		class: ws.ClassName,
	}
	if lang.BinaryFile != "" {
		v.bin = join(dir, lang.BinaryFile)
	}
	return v
}

func validateRequest(jobID string, lang profile.LanguageSpec, ws *workspace.Workspace) error {
	if jobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if lang.ID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if ws == nil || ws.Dir == "" {
		return appErr.ValidationError("workspace", "required")
	}
	return nil
}

func runOutcome(res result.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.ExitCode != 0 || strings.TrimSpace(res.Stderr) != "":
		return "error"
	default:
		return "ok"
	}
}

func exitMessage(code int) string {
	return fmt.Sprintf("process exited with code %d", code)
}

func buildCommand(tpl string, vars commandVars) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.NewReplacer(
		"{src}", vars.src,
		"{bin}", vars.bin,
		"{dir}", vars.dir,
		"{class}", vars.class,
	).Replace(tpl)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}
