package model

import (
	"codejudge/internal/judge/sandbox/result"
)

// JobKind selects the workflow a job runs.
type JobKind string

const (
	JobKindRun   JobKind = "run"
	JobKindJudge JobKind = "judge"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStalled   JobState = "stalled"
)

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is one unit of work submitted by a caller.
type Job struct {
	ID        string            `json:"id"`
	Kind      JobKind           `json:"kind"`
	Language  string            `json:"language"`
	Source    string            `json:"source"`
	Stdin     string            `json:"stdin,omitempty"`
	TestCases []result.TestCase `json:"testCases,omitempty"`
	MaxScore  *int              `json:"maxScore,omitempty"`
	CreatedAt int64             `json:"createdAt"`
}

// JobResult holds the outcome of a completed job. Exactly one of Run or
// Verdict is set, depending on the job kind.
type JobResult struct {
	Run     *result.RunOutcome       `json:"run,omitempty"`
	Verdict *result.JudgeVerdict     `json:"verdict,omitempty"`
	Record  *result.SubmissionRecord `json:"record,omitempty"`
}

// Progress reports how far an active job got.
type Progress struct {
	Stage      string `json:"stage,omitempty"`
	TotalCases int    `json:"totalCases"`
	DoneCases  int    `json:"doneCases"`
}

// JobRecord is the persisted state of a job.
type JobRecord struct {
	Job

	State        JobState   `json:"state"`
	Attempts     int        `json:"attempts"`
	StalledCount int        `json:"stalledCount"`
	LockToken    string     `json:"lockToken,omitempty"`
	LockedUntil  int64      `json:"lockedUntil,omitempty"`
	Progress     Progress   `json:"progress"`
	Result       *JobResult `json:"result,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
	ErrorCode    int        `json:"errorCode,omitempty"`

	StartedAt  int64 `json:"startedAt,omitempty"`
	FinishedAt int64 `json:"finishedAt,omitempty"`
	UpdatedAt  int64 `json:"updatedAt"`
}
