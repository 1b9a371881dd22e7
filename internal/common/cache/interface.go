// Package cache is the key-value store shared by service instances.
package cache

import (
	"context"
	"time"
)

// Cache is what the job repository needs from a store.
type Cache interface {
	BasicOps
	SetOps
	PipelineOps

	Ping(ctx context.Context) error
	Close() error
}

// BasicOps are single-key operations.
type BasicOps interface {
	// Get returns an empty string and a nil error for a missing key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value; a zero ttl never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// SetOps maintain unordered indexes such as the active job set.
type SetOps interface {
	SAdd(ctx context.Context, key string, members ...interface{}) error
	SRem(ctx context.Context, key string, members ...interface{}) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// PipelineOps batches several writes into one round trip.
type PipelineOps interface {
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner queues commands inside Pipeline.
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Del(keys ...string) error
	SAdd(key string, members ...interface{}) error
	SRem(key string, members ...interface{}) error
}
