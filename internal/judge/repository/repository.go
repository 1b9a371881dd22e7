// Package repository stores job records and publishes job events.
package repository

import (
	"context"
	"time"

	"codejudge/internal/judge/model"
)

// DefaultResultTTL is how long a terminal record stays readable.
const DefaultResultTTL = 10 * time.Minute

// JobRepository persists job records.
type JobRepository interface {
	// Create stores a new record and fails if the id is already taken.
	Create(ctx context.Context, rec model.JobRecord) error
	Get(ctx context.Context, jobID string) (model.JobRecord, error)
	// Save overwrites a record. Terminal records expire after the result TTL.
	Save(ctx context.Context, rec model.JobRecord) error
	// Claim takes the given attempt of a job for the caller. Exactly one
	// caller wins each attempt; the others get false.
	Claim(ctx context.Context, jobID string, attempt int, token string) (bool, error)
	// ListActive returns records currently in the active state.
	ListActive(ctx context.Context) ([]model.JobRecord, error)
	Delete(ctx context.Context, jobID string) error
}
