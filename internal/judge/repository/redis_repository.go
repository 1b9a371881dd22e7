package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	jobKeyPrefix  = "judge:job:"
	activeJobsKey = "judge:jobs:active"
)

// RedisRepository stores records as JSON in Redis so several service
// instances can share job state.
type RedisRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewRedisRepository creates a Redis-backed repository.
func NewRedisRepository(cacheClient cache.Cache, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisRepository{cache: cacheClient, TTL: ttl}
}

// Create stores a new record.
func (r *RedisRepository) Create(ctx context.Context, rec model.JobRecord) error {
	if rec.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job failed: %w", err)
	}
	created, err := r.cache.SetNX(ctx, jobKeyPrefix+rec.ID, string(data), r.recordTTL(rec))
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create job failed")
	}
	if !created {
		return appErr.New(appErr.JobCreateFailed).WithMessage("job already exists")
	}
	if rec.State == model.JobStateActive {
		if err := r.cache.SAdd(ctx, activeJobsKey, rec.ID); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "index job failed")
		}
	}
	return nil
}

// Claim sets a per-attempt claim key. The key outlives the record's
// waiting window, so a stale reader cannot win the same attempt later.
func (r *RedisRepository) Claim(ctx context.Context, jobID string, attempt int, token string) (bool, error) {
	if jobID == "" {
		return false, appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return false, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	won, err := r.cache.SetNX(ctx, claimKey(jobID, attempt), token, r.TTL)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "claim job failed")
	}
	return won, nil
}

// Get returns the record for jobID.
func (r *RedisRepository) Get(ctx context.Context, jobID string) (model.JobRecord, error) {
	if jobID == "" {
		return model.JobRecord{}, appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return model.JobRecord{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, jobKeyPrefix+jobID)
	if err != nil {
		return model.JobRecord{}, appErr.Wrapf(err, appErr.CacheError, "load job failed")
	}
	if val == "" {
		return model.JobRecord{}, appErr.New(appErr.JobNotFound)
	}
	var rec model.JobRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return model.JobRecord{}, appErr.Wrapf(err, appErr.CacheError, "decode job failed")
	}
	return rec, nil
}

// Save writes the record and keeps the active index in step with its state.
func (r *RedisRepository) Save(ctx context.Context, rec model.JobRecord) error {
	if rec.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job failed: %w", err)
	}
	err = r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(jobKeyPrefix+rec.ID, string(data), r.recordTTL(rec)); err != nil {
			return err
		}
		if rec.State == model.JobStateActive {
			return pipe.SAdd(activeJobsKey, rec.ID)
		}
		return pipe.SRem(activeJobsKey, rec.ID)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store job failed")
	}
	return nil
}

// ListActive returns records in the active index. Ids whose record is gone
// or no longer active are pruned from the index.
func (r *RedisRepository) ListActive(ctx context.Context) ([]model.JobRecord, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	ids, err := r.cache.SMembers(ctx, activeJobsKey)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "list active jobs failed")
	}
	out := make([]model.JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil && !appErr.Is(err, appErr.JobNotFound) {
			return nil, err
		}
		if err != nil || rec.State != model.JobStateActive {
			if remErr := r.cache.SRem(ctx, activeJobsKey, id); remErr != nil {
				logger.Warn(ctx, "prune active index failed", zap.String("job_id", id), zap.Error(remErr))
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the record and its index entry.
func (r *RedisRepository) Delete(ctx context.Context, jobID string) error {
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	err := r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Del(jobKeyPrefix + jobID); err != nil {
			return err
		}
		return pipe.SRem(activeJobsKey, jobID)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "delete job failed")
	}
	return nil
}

// recordTTL is zero for live records so they never expire mid-flight.
func (r *RedisRepository) recordTTL(rec model.JobRecord) time.Duration {
	if rec.State.Terminal() {
		return r.TTL
	}
	return 0
}

func claimKey(jobID string, attempt int) string {
	return fmt.Sprintf("%s%s:claim:%d", jobKeyPrefix, jobID, attempt)
}
