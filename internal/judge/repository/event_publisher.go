package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codejudge/internal/common/mq"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// DefaultFinalTopic receives one event per job that reaches a terminal state.
const DefaultFinalTopic = "judge.job.final"

const (
	headerJobState = "x-job-state"
	headerJobKind  = "x-job-kind"
)

// JobEventPublisher publishes job events for async consumers.
type JobEventPublisher interface {
	PublishFinal(ctx context.Context, rec model.JobRecord) error
}

// MQJobEventPublisher publishes job events to a message queue.
type MQJobEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQJobEventPublisher creates a new MQ job event publisher.
func NewMQJobEventPublisher(producer mq.Producer, topic string) *MQJobEventPublisher {
	if topic == "" {
		topic = DefaultFinalTopic
	}
	return &MQJobEventPublisher{producer: producer, topic: topic}
}

// PublishFinal publishes a final state event keyed by job id.
func (p *MQJobEventPublisher) PublishFinal(ctx context.Context, rec model.JobRecord) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("job event publisher is not configured")
	}
	if rec.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if !rec.State.Terminal() {
		return appErr.New(appErr.InvalidParams).WithMessagef("job %s is not in a final state", rec.ID)
	}
	// Sources can be large and the consumer already has them.
	rec.Source = ""
	rec.LockToken = ""
	event := model.JobEvent{
		Type:      model.JobEventFinal,
		Record:    rec,
		CreatedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = rec.ID
	// Lets consumers route on outcome without decoding the body.
	message.SetHeader(headerJobState, string(rec.State))
	message.SetHeader(headerJobKind, string(rec.Kind))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish job event failed")
	}
	return nil
}
