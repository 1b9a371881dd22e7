package sandbox

import "context"

// Stage names the phase a job is in while a worker holds it.
type Stage string

const (
	StageCompiling Stage = "compiling"
	StageRunning   Stage = "running"
)

// ProgressUpdate carries intermediate judge progress.
type ProgressUpdate struct {
	JobID      string
	Stage      Stage
	TotalCases int
	DoneCases  int
}

// ProgressReporter receives progress while a job runs. Implementations must
// not block; errors are logged and otherwise ignored.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, update ProgressUpdate) error
}
