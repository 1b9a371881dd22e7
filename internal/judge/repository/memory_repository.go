package repository

import (
	"context"
	"time"

	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryEntry struct {
	rec       model.JobRecord
	expiresAt time.Time
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	records *xsync.MapOf[string, memoryEntry]
	// claims holds the highest attempt claimed per job.
	claims *xsync.MapOf[string, int]
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryRepository creates an in-memory repository. A non-positive ttl
// falls back to DefaultResultTTL.
func NewMemoryRepository(ttl time.Duration) *MemoryRepository {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &MemoryRepository{
		records: xsync.NewMapOf[string, memoryEntry](),
		claims:  xsync.NewMapOf[string, int](),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Create stores a new record.
func (r *MemoryRepository) Create(ctx context.Context, rec model.JobRecord) error {
	if rec.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	now := r.now()
	var conflict bool
	r.records.Compute(rec.ID, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if loaded && !old.expired(now) {
			conflict = true
			return old, false
		}
		return r.entry(rec, now), false
	})
	if conflict {
		return appErr.New(appErr.JobCreateFailed).WithMessage("job already exists")
	}
	return nil
}

// Get returns the record for jobID.
func (r *MemoryRepository) Get(ctx context.Context, jobID string) (model.JobRecord, error) {
	entry, ok := r.records.Load(jobID)
	if !ok || entry.expired(r.now()) {
		return model.JobRecord{}, appErr.New(appErr.JobNotFound)
	}
	return entry.rec, nil
}

// Save overwrites the record.
func (r *MemoryRepository) Save(ctx context.Context, rec model.JobRecord) error {
	if rec.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	r.records.Store(rec.ID, r.entry(rec, r.now()))
	return nil
}

// Claim records attempt for jobID unless it or a later attempt was already taken.
func (r *MemoryRepository) Claim(ctx context.Context, jobID string, attempt int, token string) (bool, error) {
	if jobID == "" {
		return false, appErr.ValidationError("job_id", "required")
	}
	won := false
	r.claims.Compute(jobID, func(old int, loaded bool) (int, bool) {
		if loaded && old >= attempt {
			return old, false
		}
		won = true
		return attempt, false
	})
	return won, nil
}

// ListActive returns all active records.
func (r *MemoryRepository) ListActive(ctx context.Context) ([]model.JobRecord, error) {
	var out []model.JobRecord
	r.records.Range(func(_ string, entry memoryEntry) bool {
		if entry.rec.State == model.JobStateActive {
			out = append(out, entry.rec)
		}
		return true
	})
	return out, nil
}

// Delete removes the record.
func (r *MemoryRepository) Delete(ctx context.Context, jobID string) error {
	r.records.Delete(jobID)
	r.claims.Delete(jobID)
	return nil
}

// Purge drops expired terminal records and returns how many were removed.
func (r *MemoryRepository) Purge(now time.Time) int {
	removed := 0
	r.records.Range(func(id string, entry memoryEntry) bool {
		if entry.expired(now) {
			r.records.Delete(id)
			r.claims.Delete(id)
			removed++
		}
		return true
	})
	return removed
}

func (r *MemoryRepository) entry(rec model.JobRecord, now time.Time) memoryEntry {
	entry := memoryEntry{rec: rec}
	if rec.State.Terminal() {
		entry.expiresAt = now.Add(r.ttl)
	}
	return entry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}
