package service

import (
	"context"
	"time"

	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// PendingMessage is returned to callers whose wait elapsed first.
const PendingMessage = "Job is still processing, please wait..."

const awaitPollInterval = 250 * time.Millisecond

// AwaitStatus is the outcome class of AwaitResult.
type AwaitStatus string

const (
	AwaitCompleted AwaitStatus = "completed"
	AwaitFailed    AwaitStatus = "failed"
	AwaitPending   AwaitStatus = "pending"
)

// AwaitOutcome is what a waiting caller gets back.
type AwaitOutcome struct {
	JobID     string           `json:"jobId"`
	Status    AwaitStatus      `json:"status"`
	Result    *model.JobResult `json:"result,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	ErrorCode int              `json:"errorCode,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// AwaitResult waits up to maxWait for jobID to reach a final state. It never
// blocks past maxWait; a job still running then is reported as pending.
// The record is polled as well so jobs finished by another instance sharing
// the repository are seen.
func (s *Scheduler) AwaitResult(ctx context.Context, jobID string, maxWait time.Duration) (AwaitOutcome, error) {
	done, unsubscribe := s.subscribe(jobID)
	defer unsubscribe()

	var deadline <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		deadline = timer.C
	}
	poll := time.NewTicker(awaitPollInterval)
	defer poll.Stop()

	for {
		rec, err := s.repo.Get(ctx, jobID)
		if err != nil {
			return AwaitOutcome{}, err
		}
		if outcome, final := outcomeOf(rec); final || maxWait <= 0 {
			return outcome, nil
		}
		select {
		case <-done:
			done = nil
		case <-poll.C:
		case <-deadline:
			return pending(jobID), nil
		case <-ctx.Done():
			return AwaitOutcome{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "await job %s canceled", jobID)
		}
	}
}

func outcomeOf(rec model.JobRecord) (AwaitOutcome, bool) {
	switch rec.State {
	case model.JobStateCompleted:
		return AwaitOutcome{JobID: rec.ID, Status: AwaitCompleted, Result: rec.Result}, true
	case model.JobStateFailed:
		return AwaitOutcome{
			JobID:     rec.ID,
			Status:    AwaitFailed,
			Reason:    rec.FailedReason,
			ErrorCode: rec.ErrorCode,
		}, true
	default:
		return pending(rec.ID), false
	}
}

func pending(jobID string) AwaitOutcome {
	return AwaitOutcome{JobID: jobID, Status: AwaitPending, Message: PendingMessage}
}

func (s *Scheduler) subscribe(jobID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	s.waitMu.Lock()
	s.waiters[jobID] = append(s.waiters[jobID], ch)
	s.waitMu.Unlock()

	return ch, func() {
		s.waitMu.Lock()
		defer s.waitMu.Unlock()
		list := s.waiters[jobID]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.waiters, jobID)
		} else {
			s.waiters[jobID] = list
		}
	}
}

func (s *Scheduler) notify(jobID string) {
	s.waitMu.Lock()
	list := s.waiters[jobID]
	delete(s.waiters, jobID)
	s.waitMu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}
