package service

import (
	"context"

	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// CheckStalled scans active jobs for expired locks. A stalled job is
// requeued until it has stalled more than MaxStalledCount times, then it
// fails. It returns how many stalled jobs were found.
func (s *Scheduler) CheckStalled(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now().UnixMilli()
	stalled := 0
	for _, rec := range active {
		if rec.LockedUntil > now {
			continue
		}
		if s.recoverStalled(ctx, rec.ID, rec.LockToken) {
			stalled++
		}
	}
	return stalled, nil
}

func (s *Scheduler) recoverStalled(ctx context.Context, jobID, token string) bool {
	ctx = logger.WithJob(ctx, jobID)
	if job, ok := s.inflight.Load(jobID); ok {
		job.mu.Lock()
		defer job.mu.Unlock()
	}

	// Re-read under the lock: the owner may have renewed or settled it.
	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		logger.Warn(ctx, "load stalled job failed", zap.Error(err))
		return false
	}
	if rec.State != model.JobStateActive || rec.LockToken != token || rec.LockedUntil > s.now().UnixMilli() {
		return false
	}

	rec.StalledCount++
	s.metrics.JobTransition(string(rec.Kind), string(model.JobStateStalled))
	logger.Warn(ctx, "job stalled", zap.Int("stalled_count", rec.StalledCount), zap.Int("attempts", rec.Attempts))

	now := s.now().UnixMilli()
	rec.LockToken = ""
	rec.LockedUntil = 0
	rec.UpdatedAt = now
	if rec.StalledCount > s.opts.MaxStalledCount {
		cause := appErr.New(appErr.JobStalled)
		rec.State = model.JobStateFailed
		rec.FailedReason = cause.Error()
		rec.ErrorCode = int(appErr.JobStalled)
		rec.FinishedAt = now
		if err := s.repo.Save(ctx, rec); err != nil {
			logger.Error(ctx, "persist stalled failure failed", zap.Error(err))
			return true
		}
		s.finalize(ctx, rec)
		return true
	}

	rec.State = model.JobStateWaiting
	if err := s.repo.Save(ctx, rec); err != nil {
		logger.Error(ctx, "persist stalled job failed", zap.Error(err))
		return true
	}
	s.metrics.JobRetry("stalled")
	if err := s.requeue(jobID); err != nil {
		s.failJob(ctx, jobID, err)
	}
	return true
}
