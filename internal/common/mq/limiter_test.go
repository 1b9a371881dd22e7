package mq_test

import (
	"context"
	"testing"
	"time"

	"codejudge/internal/common/mq"
)

func TestTokenLimiterBlocksWhenExhausted(t *testing.T) {
	l := mq.NewTokenLimiter(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatalf("expected acquire to fail on exhausted limiter")
	}

	l.Release()
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatalf("extra release must not grow capacity")
	}
}

func TestBuildWeightedSchedule(t *testing.T) {
	schedule := mq.BuildWeightedSchedule([]mq.WeightedTopic{
		{Topic: "judge.submit", Weight: 3},
		{Topic: "judge.retry", Weight: 1},
	})
	want := []int{0, 0, 0, 1}
	if len(schedule) != len(want) {
		t.Fatalf("expected %v, got %v", want, schedule)
	}
	for i := range want {
		if schedule[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, schedule)
		}
	}
}

func TestMessageExpired(t *testing.T) {
	now := time.Now()
	msg := mq.NewMessage([]byte("x"))
	msg.Timestamp = now.Add(-time.Minute)
	if msg.Expired(now) {
		t.Fatalf("message without expiration must not expire")
	}
	msg.Expiration = 30 * time.Second
	if !msg.Expired(now) {
		t.Fatalf("expected message to be expired")
	}
}
