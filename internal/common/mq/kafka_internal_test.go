package mq

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestKafkaHeadersCarryRetryState(t *testing.T) {
	msg := NewMessage([]byte(`{"jobId":"1"}`))
	msg.ID = "1"
	msg.RetryCount = 2
	msg.Expiration = 5 * time.Second
	msg.SetHeader("x-pool-retry", "4")

	back := decodeMessage(encodeMessage("judge.retry", msg))

	if back.ID != "1" {
		t.Fatalf("expected id 1, got %q", back.ID)
	}
	if back.RetryCount != 2 || back.MaxRetries != 3 {
		t.Fatalf("unexpected retry state: %d/%d", back.RetryCount, back.MaxRetries)
	}
	if back.Expiration != 5*time.Second {
		t.Fatalf("expected expiration to survive, got %v", back.Expiration)
	}
	if v := back.Headers["x-pool-retry"]; v != "4" {
		t.Fatalf("expected custom header, got %q", v)
	}
	if _, ok := back.Headers[headerRetryCount]; ok {
		t.Fatalf("internal headers must not leak into Headers")
	}
}

func TestDecodeMessageIgnoresMalformedHeaders(t *testing.T) {
	back := decodeMessage(kafka.Message{
		Key:  []byte("job-7"),
		Time: time.Unix(100, 0),
		Headers: []kafka.Header{
			{Key: headerRetryCount, Value: []byte("-1")},
			{Key: headerMaxRetries, Value: []byte("many")},
			{Key: headerTimestamp, Value: []byte("yesterday")},
		},
	})
	if back.ID != "job-7" {
		t.Fatalf("expected key to supply the id, got %q", back.ID)
	}
	if back.RetryCount != 0 || back.MaxRetries != 0 {
		t.Fatalf("expected malformed counters ignored, got %d/%d", back.RetryCount, back.MaxRetries)
	}
	if !back.Timestamp.Equal(time.Unix(100, 0)) {
		t.Fatalf("expected broker time kept, got %v", back.Timestamp)
	}
	if len(back.Headers) != 0 {
		t.Fatalf("expected no application headers, got %v", back.Headers)
	}
}
