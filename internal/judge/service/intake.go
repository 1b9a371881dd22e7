package service

import (
	"context"
	"encoding/json"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Enqueuer admits jobs; *Scheduler implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) (string, error)
}

// Intake turns queue messages into scheduler jobs. Results are not awaited;
// consumers follow them on the final event topic.
type Intake struct {
	scheduler Enqueuer
	loader    *SourceLoader
	producer  mq.Producer
	policy    PoolRetryPolicy
}

// NewIntake creates an intake. loader may be nil when every message carries
// its source inline.
func NewIntake(scheduler Enqueuer, loader *SourceLoader, producer mq.Producer, policy PoolRetryPolicy) *Intake {
	return &Intake{scheduler: scheduler, loader: loader, producer: producer, policy: policy}
}

// HandleMessage processes one submit message.
func (i *Intake) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.SubmitMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if payload.JobID != "" {
		ctx = logger.WithJob(ctx, payload.JobID)
	}

	source := payload.Source
	if payload.SourceKey != "" {
		if i.loader == nil {
			return appErr.New(appErr.ServiceUnavailable).WithMessage("source storage is not configured")
		}
		loaded, err := i.loader.Load(ctx, payload.SourceKey, payload.SourceHash)
		if err != nil {
			if rejected(err) {
				logger.Warn(ctx, "reject submitted job", zap.String("source_key", payload.SourceKey), zap.Error(err))
				return nil
			}
			return err
		}
		source = loaded
	}

	_, err := i.scheduler.Enqueue(ctx, model.Job{
		ID:        payload.JobID,
		Kind:      payload.Kind,
		Language:  payload.Language,
		Source:    source,
		Stdin:     payload.Stdin,
		TestCases: payload.TestCases,
		MaxScore:  payload.MaxScore,
	})
	switch {
	case err == nil:
		return nil
	case appErr.Is(err, appErr.JudgeQueueFull):
		return RequeueForPoolFull(ctx, i.producer, i.policy, msg)
	case rejected(err):
		logger.Warn(ctx, "reject submitted job", zap.Error(err))
		return nil
	default:
		return err
	}
}

// rejected reports errors that a redelivery cannot fix.
func rejected(err error) bool {
	switch appErr.GetCode(err) {
	case appErr.ObjectNotFound, appErr.JobCreateFailed:
		return true
	}
	return appErr.ClassOf(err) == appErr.ClassValidation
}
