package service

import (
	"context"
	"strconv"
	"time"

	"codejudge/internal/common/mq"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const poolRetryHeader = "x-pool-retry"

// ComputeBackoff returns base doubled retryCount times, capped at max.
func ComputeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount <= 0 {
		if max > 0 && base > max {
			return max
		}
		return base
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// ParsePoolRetryCount reads how many times a message was requeued because
// the queue was full.
func ParsePoolRetryCount(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies msg with a fresh timestamp and the given
// queue-full retry count.
func CloneMessageForRetry(msg *mq.Message, retryCount int) *mq.Message {
	if msg == nil {
		return mq.NewMessage(nil)
	}
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		RetryCount: 0,
		MaxRetries: msg.MaxRetries,
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

// PoolRetryPolicy configures republishing of messages rejected with a full queue.
type PoolRetryPolicy struct {
	RetryTopic      string        `yaml:"retryTopic"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	MaxRetries      int           `yaml:"maxRetries"`
	BaseDelay       time.Duration `yaml:"baseDelay"`
	MaxDelay        time.Duration `yaml:"maxDelay"`
}

// RequeueForPoolFull republishes a message after a backoff when the
// scheduler queue is full, or dead-letters it once retries are exhausted.
func RequeueForPoolFull(ctx context.Context, producer mq.Producer, policy PoolRetryPolicy, msg *mq.Message) error {
	if producer == nil || policy.RetryTopic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParsePoolRetryCount(msg.Headers)
	if policy.MaxRetries > 0 && retryCount >= policy.MaxRetries {
		if policy.DeadLetterTopic == "" {
			logger.Warn(ctx, "queue full retry exhausted without dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID))
			return appErr.New(appErr.JudgeQueueFull)
		}
		dead := CloneMessageForRetry(msg, retryCount)
		logger.Warn(ctx, "queue full retry exhausted, sending to dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.String("topic", policy.DeadLetterTopic))
		return producer.Publish(ctx, policy.DeadLetterTopic, dead)
	}
	delay := ComputeBackoff(retryCount, policy.BaseDelay, policy.MaxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "queue full retry canceled during backoff", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.Duration("delay", delay))
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "queue full requeue", zap.Int("retry_count", retryCount+1), zap.String("message_id", msg.ID), zap.Duration("delay", delay), zap.String("topic", policy.RetryTopic))
	return producer.Publish(ctx, policy.RetryTopic, CloneMessageForRetry(msg, retryCount+1))
}
