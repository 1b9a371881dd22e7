// Package result defines sandbox execution results and verdict aggregation.
package result

// CaseStatus is the state of one test case inside a judge run.
type CaseStatus string

const (
	CaseRunning CaseStatus = "running"
	CasePassed  CaseStatus = "passed"
	CaseFailed  CaseStatus = "failed"
	CaseError   CaseStatus = "error"
	CaseTimeout CaseStatus = "timeout"
	CaseNotRun  CaseStatus = "not-run"
)

// Status is the overall outcome reported to callers.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ExecutionResult captures one bounded process run. It is never mutated after
// the engine returns it.
type ExecutionResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	TimedOut        bool   `json:"timedOut"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	ExitCode        int    `json:"exitCode"`
}

// CompileResult contains compilation outcomes.
type CompileResult struct {
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exitCode"`
	TimeMs   int64  `json:"timeMs"`
	TimedOut bool   `json:"timedOut"`
	Error    string `json:"error,omitempty"`
}

// TestCase is one input/expected-output pair. Order is significant.
type TestCase struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// CaseResult is the per-case trace entry.
type CaseResult struct {
	Index           int        `json:"index"`
	Status          CaseStatus `json:"status"`
	Input           string     `json:"input"`
	ExpectedOutput  string     `json:"expectedOutput"`
	ActualOutput    string     `json:"actualOutput"`
	ExecutionTimeMs int64      `json:"executionTimeMs"`
	Error           string     `json:"error,omitempty"`
}

// Failure describes the first case that stopped a judge run.
type Failure struct {
	Index    int    `json:"index"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Message  string `json:"message"`
}

// JudgeVerdict is the aggregated outcome of a judge job.
type JudgeVerdict struct {
	Status          Status       `json:"status"`
	PassedCount     int          `json:"passedCount"`
	TotalCount      int          `json:"totalCount"`
	AccuracyPercent int          `json:"accuracyPercent"`
	AvgRuntimeMs    int64        `json:"avgRuntimeMs"`
	Score           *int         `json:"score,omitempty"`
	FirstFailure    *Failure     `json:"firstFailure,omitempty"`
	Message         string       `json:"message"`
	Cases           []CaseResult `json:"cases"`
}

// RunOutcome is the response to a plain run job.
type RunOutcome struct {
	Status          Status `json:"status"`
	Output          string `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTime"`
}

// SubmissionRecord is the projection callers persist for a judged submission.
type SubmissionRecord struct {
	Accuracy          int    `json:"accuracy"`
	AvgRuntime        int64  `json:"avgRuntime"`
	TestCasesPassed   int    `json:"testCasesPassed"`
	IsSuccessfullyRun bool   `json:"isSuccessfullyRun"`
	Output            string `json:"output"`
	Score             *int   `json:"score,omitempty"`
}

// Record projects the verdict onto the persisted submission shape.
func (v JudgeVerdict) Record() SubmissionRecord {
	return SubmissionRecord{
		Accuracy:          v.AccuracyPercent,
		AvgRuntime:        v.AvgRuntimeMs,
		TestCasesPassed:   v.PassedCount,
		IsSuccessfullyRun: v.Status == StatusCompleted,
		Output:            v.Message,
		Score:             v.Score,
	}
}
