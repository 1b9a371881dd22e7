package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/sandbox"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Scheduler) runWorker(ctx context.Context) {
	defer s.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-s.queue:
			if !ok {
				return
			}
			s.metrics.QueueDepth(len(s.queue))
			if err := s.limiter.Wait(ctx); err != nil {
				s.abandon(jobID)
				continue
			}
			s.process(ctx, jobID)
		}
	}
}

// process claims one job, runs it and settles the outcome.
func (s *Scheduler) process(ctx context.Context, jobID string) {
	ctx = logger.WithJob(ctx, jobID)
	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		logger.Warn(ctx, "load queued job failed", zap.Error(err))
		return
	}
	if rec.State != model.JobStateWaiting {
		logger.Debug(ctx, "skip job not waiting", zap.String("state", string(rec.State)))
		return
	}

	job := &inflightJob{id: jobID, token: uuid.NewString()}
	won, err := s.repo.Claim(ctx, jobID, rec.Attempts+1, job.token)
	if err != nil {
		logger.Error(ctx, "claim job failed", zap.Error(err))
		s.failJob(context.WithoutCancel(ctx), jobID, err)
		return
	}
	if !won {
		logger.Debug(ctx, "job attempt claimed elsewhere", zap.Int("attempt", rec.Attempts+1))
		return
	}
	now := s.now()
	rec.State = model.JobStateActive
	rec.Attempts++
	rec.LockToken = job.token
	rec.LockedUntil = now.Add(s.opts.LockDuration).UnixMilli()
	rec.StartedAt = now.UnixMilli()
	rec.UpdatedAt = now.UnixMilli()
	rec.Progress = model.Progress{}
	if err := s.repo.Save(ctx, rec); err != nil {
		logger.Error(ctx, "persist claimed job failed", zap.Error(err))
		s.failJob(context.WithoutCancel(ctx), jobID, err)
		return
	}
	s.inflight.Store(jobID, job)
	defer s.inflight.Delete(jobID)
	s.metrics.JobTransition(string(rec.Kind), string(model.JobStateActive))
	s.metrics.ActiveJobs(int(s.active.Add(1)))
	defer func() { s.metrics.ActiveJobs(int(s.active.Add(-1))) }()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(hbCtx, job)
	}()

	execCtx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	started := time.Now()
	res, err := s.execute(execCtx, rec.Job)
	deadlineHit := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()
	stopHeartbeat()
	<-hbDone

	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = shuttingDown()
		case deadlineHit:
			err = appErr.New(appErr.TimeLimitExceeded).WithMessagef("job exceeded execution deadline of %s", s.opts.JobTimeout)
		}
	}
	logger.Debug(ctx, "job executed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
	s.settle(context.WithoutCancel(ctx), job, res, err)
}

// execute dispatches the job to the sandbox. A panic is turned into an
// infrastructure error so the job can be retried.
func (s *Scheduler) execute(ctx context.Context, job model.Job) (res *model.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "job panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = nil
			err = appErr.InfraError(nil, fmt.Sprintf("worker panic: %v", r))
		}
	}()

	switch job.Kind {
	case model.JobKindRun:
		out, err := s.executor.Execute(ctx, sandbox.ExecuteRequest{
			JobID:    job.ID,
			Language: job.Language,
			Source:   job.Source,
			Stdin:    job.Stdin,
		})
		if err != nil {
			return nil, err
		}
		return &model.JobResult{Run: &out}, nil
	case model.JobKindJudge:
		verdict, err := s.executor.Judge(ctx, sandbox.JudgeRequest{
			JobID:     job.ID,
			Language:  job.Language,
			Source:    job.Source,
			TestCases: job.TestCases,
			MaxScore:  job.MaxScore,
		})
		if err != nil {
			return nil, err
		}
		record := verdict.Record()
		return &model.JobResult{Verdict: &verdict, Record: &record}, nil
	default:
		return nil, appErr.ValidationError("kind", "unsupported job kind")
	}
}

// settle records the outcome of one attempt. Only infrastructure errors are
// retried; everything else is final.
func (s *Scheduler) settle(ctx context.Context, job *inflightJob, res *model.JobResult, execErr error) {
	var retryIn time.Duration
	rec, owned, err := s.mutate(ctx, job, func(rec *model.JobRecord) {
		now := s.now().UnixMilli()
		rec.LockToken = ""
		rec.LockedUntil = 0
		switch {
		case execErr == nil:
			rec.State = model.JobStateCompleted
			rec.Result = res
			rec.FailedReason = ""
			rec.ErrorCode = 0
			rec.FinishedAt = now
		case appErr.IsRetryable(execErr) && rec.Attempts < s.opts.MaxAttempts:
			rec.State = model.JobStateWaiting
			rec.FailedReason = execErr.Error()
			rec.ErrorCode = int(appErr.GetCode(execErr))
			retryIn = ComputeBackoff(rec.Attempts-1, s.opts.BackoffBase, s.opts.BackoffMax)
		default:
			code := appErr.GetCode(execErr)
			if appErr.IsRetryable(execErr) {
				code = appErr.RetriesExhausted
			}
			rec.State = model.JobStateFailed
			rec.FailedReason = execErr.Error()
			rec.ErrorCode = int(code)
			rec.FinishedAt = now
		}
	})
	if err != nil {
		logger.Error(ctx, "persist job outcome failed", zap.Error(err))
		return
	}
	if !owned {
		logger.Warn(ctx, "job lock lost, dropping outcome", zap.String("state", string(rec.State)))
		return
	}

	if rec.State == model.JobStateWaiting {
		s.metrics.JobRetry("error")
		logger.Warn(ctx, "job attempt failed, retrying",
			zap.Int("attempt", rec.Attempts),
			zap.Duration("backoff", retryIn),
			zap.Error(execErr),
		)
		s.retryAfter(rec.ID, retryIn)
		return
	}
	s.finalize(ctx, rec)
}

// mutate applies fn to the record while this process still owns the job
// lock. owned is false when the lock moved elsewhere.
func (s *Scheduler) mutate(ctx context.Context, job *inflightJob, fn func(rec *model.JobRecord)) (model.JobRecord, bool, error) {
	job.mu.Lock()
	defer job.mu.Unlock()
	rec, err := s.repo.Get(ctx, job.id)
	if err != nil {
		return model.JobRecord{}, false, err
	}
	if rec.State != model.JobStateActive || rec.LockToken != job.token {
		return rec, false, nil
	}
	fn(&rec)
	rec.UpdatedAt = s.now().UnixMilli()
	if err := s.repo.Save(ctx, rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *Scheduler) heartbeat(ctx context.Context, job *inflightJob) {
	ticker := time.NewTicker(s.opts.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, owned, err := s.mutate(ctx, job, func(rec *model.JobRecord) {
				rec.LockedUntil = s.now().Add(s.opts.LockDuration).UnixMilli()
			})
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn(ctx, "renew job lock failed", zap.Error(err))
				}
				continue
			}
			if !owned {
				logger.Warn(ctx, "job lock lost during heartbeat")
				return
			}
		}
	}
}

// ReportProgress stores intermediate progress for a job this process runs.
func (s *Scheduler) ReportProgress(ctx context.Context, update sandbox.ProgressUpdate) error {
	job, ok := s.inflight.Load(update.JobID)
	if !ok {
		return nil
	}
	_, _, err := s.mutate(ctx, job, func(rec *model.JobRecord) {
		rec.Progress = model.Progress{
			Stage:      string(update.Stage),
			TotalCases: update.TotalCases,
			DoneCases:  update.DoneCases,
		}
	})
	return err
}

func (s *Scheduler) retryAfter(jobID string, delay time.Duration) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.stopCh:
			s.abandon(jobID)
			return
		case <-timer.C:
		}
		if err := s.requeue(jobID); err != nil {
			s.failJob(context.Background(), jobID, err)
		}
	}()
}

// failJob moves a job this process does not hold a lock on to failed.
func (s *Scheduler) failJob(ctx context.Context, jobID string, cause error) {
	ctx = logger.WithJob(ctx, jobID)
	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		logger.Warn(ctx, "load job to fail failed", zap.Error(err))
		return
	}
	if rec.State.Terminal() {
		return
	}
	now := s.now().UnixMilli()
	rec.State = model.JobStateFailed
	rec.FailedReason = cause.Error()
	rec.ErrorCode = int(appErr.GetCode(cause))
	rec.LockToken = ""
	rec.LockedUntil = 0
	rec.FinishedAt = now
	rec.UpdatedAt = now
	if err := s.repo.Save(ctx, rec); err != nil {
		logger.Error(ctx, "persist failed job failed", zap.Error(err))
		return
	}
	s.finalize(ctx, rec)
}

// finalize runs the terminal hooks: metrics, logs, event publish, waiters.
func (s *Scheduler) finalize(ctx context.Context, rec model.JobRecord) {
	s.metrics.JobTransition(string(rec.Kind), string(rec.State))
	switch rec.State {
	case model.JobStateCompleted:
		logger.Info(ctx, "job completed", zap.String("kind", string(rec.Kind)), zap.Int("attempts", rec.Attempts))
	case model.JobStateFailed:
		logger.Warn(ctx, "job failed",
			zap.String("kind", string(rec.Kind)),
			zap.Int("attempts", rec.Attempts),
			zap.Int("code", rec.ErrorCode),
			zap.String("reason", rec.FailedReason),
		)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishFinal(ctx, rec); err != nil {
			logger.Warn(ctx, "publish final job event failed", zap.Error(err))
		}
	}
	s.notify(rec.ID)
}
