// Package sandbox defines the public call interface used by the judge service.
package sandbox

import (
	"context"

	"codejudge/internal/judge/sandbox/result"
)

// Service is the high-level sandbox entrypoint used by the scheduler.
type Service interface {
	Judge(ctx context.Context, req JudgeRequest) (result.JudgeVerdict, error)
	Execute(ctx context.Context, req ExecuteRequest) (result.RunOutcome, error)
}

// JudgeRequest runs source against every test case in order.
type JudgeRequest struct {
	JobID     string
	Language  string
	Source    string
	TestCases []result.TestCase
	// MaxScore is optional; when set the verdict carries a scaled score.
	MaxScore *int
}

// ExecuteRequest runs source once with the given stdin.
type ExecuteRequest struct {
	JobID    string
	Language string
	Source   string
	Stdin    string
}
