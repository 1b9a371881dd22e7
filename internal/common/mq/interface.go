// Package mq carries judge submissions and job events over Kafka.
package mq

import (
	"context"
	"time"
)

// Producer publishes one message to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Message is a queue record plus the delivery state that travels in its
// headers.
type Message struct {
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`

	// RetryCount and MaxRetries bound handler attempts within one delivery.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Expiration drops the message unhandled once it is older than this.
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc handles one message. A non-nil error schedules a retry.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions tune one consumer.
type SubscribeOptions struct {
	ConsumerGroup string

	// Concurrency caps in-flight handlers when no limiter is supplied.
	Concurrency int

	MaxRetries int
	RetryDelay time.Duration

	// DeadLetterTopic receives messages whose retries ran out. Empty drops them.
	DeadLetterTopic string

	// MessageTTL applies to messages that carry no expiration of their own.
	MessageTTL time.Duration
}

// SetDefaults fills unset fields: one handler, three retries a second apart.
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage wraps body with a current timestamp.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

// SetHeader sets an application header.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Expired reports whether the message outlived its expiration at now.
func (m *Message) Expired(now time.Time) bool {
	if m.Expiration <= 0 || m.Timestamp.IsZero() {
		return false
	}
	return now.Sub(m.Timestamp) > m.Expiration
}
