// Package service implements the admission queue that feeds sandbox workers.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/sandbox/profile"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dependencies are the collaborators a Scheduler needs. Publisher and
// Metrics are optional.
type Dependencies struct {
	Executor   sandbox.Service
	Repository repository.JobRepository
	Languages  *profile.Table
	Publisher  repository.JobEventPublisher
	Metrics    Metrics
}

// Scheduler admits jobs into a bounded FIFO and runs them on a fixed worker
// pool gated by a rate window.
type Scheduler struct {
	executor  sandbox.Service
	repo      repository.JobRepository
	languages *profile.Table
	publisher repository.JobEventPublisher
	metrics   Metrics
	opts      Options
	limiter   *rate.Limiter

	// mu guards closing and every send on queue.
	mu      sync.RWMutex
	closing bool
	queue   chan string

	inflight *xsync.MapOf[string, *inflightJob]
	active   atomic.Int64

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}

	startOnce  sync.Once
	cancel     context.CancelFunc
	workers    sync.WaitGroup
	background sync.WaitGroup
	stopCh     chan struct{}

	now func() time.Time
}

// inflightJob is the lock this process holds on an active job. mu serializes
// record updates from the worker, its heartbeat and progress reports.
type inflightJob struct {
	id    string
	token string
	mu    sync.Mutex
}

// NewScheduler creates a scheduler. Call Start to launch workers.
func NewScheduler(deps Dependencies, opts Options) (*Scheduler, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if deps.Languages == nil {
		return nil, fmt.Errorf("language table is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics{}
	}
	opts = opts.WithDefaults()
	return &Scheduler{
		executor:  deps.Executor,
		repo:      deps.Repository,
		languages: deps.Languages,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Every(opts.RateWindow/time.Duration(opts.RateLimit)), opts.RateLimit),
		queue:     make(chan string, opts.QueueSize),
		inflight:  xsync.NewMapOf[string, *inflightJob](),
		waiters:   make(map[string][]chan struct{}),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Options returns the effective options after defaults.
func (s *Scheduler) Options() Options {
	return s.opts
}

// Start launches the worker pool and the background monitors. Workers stop
// when ctx is canceled or Shutdown runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		for i := 0; i < s.opts.Workers; i++ {
			s.workers.Add(1)
			go s.runWorker(runCtx)
		}
		s.background.Add(1)
		go s.monitorStalled(runCtx)
		if purger, ok := s.repo.(interface{ Purge(time.Time) int }); ok {
			s.background.Add(1)
			go s.purgeExpired(runCtx, purger)
		}
		logger.Info(ctx, "scheduler started",
			zap.Int("workers", s.opts.Workers),
			zap.Int("queue_size", s.opts.QueueSize),
			zap.Int("rate_limit", s.opts.RateLimit),
			zap.Duration("rate_window", s.opts.RateWindow),
		)
	})
}

// Enqueue validates job, records it as waiting and pushes it to the queue.
// It returns the job id, generating one when the caller left it empty.
func (s *Scheduler) Enqueue(ctx context.Context, job model.Job) (string, error) {
	if err := s.validate(&job); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now().UnixMilli()
	job.CreatedAt = now
	rec := model.JobRecord{
		Job:       job,
		State:     model.JobStateWaiting,
		UpdatedAt: now,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return "", appErr.New(appErr.SchedulerClosed)
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return "", err
	}
	select {
	case s.queue <- job.ID:
	default:
		if err := s.repo.Delete(ctx, job.ID); err != nil {
			logger.Warn(ctx, "drop rejected job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return "", appErr.New(appErr.JudgeQueueFull)
	}
	s.metrics.JobTransition(string(job.Kind), string(model.JobStateWaiting))
	s.metrics.QueueDepth(len(s.queue))
	logger.Debug(ctx, "job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("language", job.Language),
	)
	return job.ID, nil
}

// Status returns the current record of a job.
func (s *Scheduler) Status(ctx context.Context, jobID string) (model.JobRecord, error) {
	if jobID == "" {
		return model.JobRecord{}, appErr.ValidationError("job_id", "required")
	}
	return s.repo.Get(ctx, jobID)
}

// QueueDepth reports how many jobs are waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// ActiveJobs reports how many jobs this process is running.
func (s *Scheduler) ActiveJobs() int {
	return int(s.active.Load())
}

// Shutdown stops admission and lets workers drain the queue until ctx is
// done. Work still queued after that fails with "scheduler shutting down".
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	close(s.queue)
	s.mu.Unlock()
	close(s.stopCh)

	logger.Info(ctx, "scheduler draining", zap.Int("queued", len(s.queue)), zap.Int("active", s.ActiveJobs()))

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		logger.Warn(ctx, "scheduler drain deadline reached, canceling workers")
		if s.cancel != nil {
			s.cancel()
		}
		<-done
	}

	abandoned := 0
	for id := range s.queue {
		s.abandon(id)
		abandoned++
	}
	s.background.Wait()
	if s.cancel != nil {
		s.cancel()
	}
	logger.Info(ctx, "scheduler stopped", zap.Int("abandoned", abandoned))
	return err
}

// requeue pushes a job that is already recorded as waiting.
func (s *Scheduler) requeue(jobID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return shuttingDown()
	}
	select {
	case s.queue <- jobID:
		s.metrics.QueueDepth(len(s.queue))
		return nil
	default:
		return appErr.New(appErr.JudgeQueueFull)
	}
}

func (s *Scheduler) abandon(jobID string) {
	s.failJob(context.Background(), jobID, shuttingDown())
}

func shuttingDown() error {
	return appErr.New(appErr.SchedulerClosed).WithMessage("scheduler shutting down")
}

func (s *Scheduler) monitorStalled(ctx context.Context) {
	defer s.background.Done()
	ticker := time.NewTicker(s.opts.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.CheckStalled(ctx); err != nil {
				logger.Warn(ctx, "stalled job check failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) purgeExpired(ctx context.Context, purger interface{ Purge(time.Time) int }) {
	defer s.background.Done()
	ticker := time.NewTicker(s.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := purger.Purge(s.now()); n > 0 {
				logger.Debug(ctx, "purged expired job records", zap.Int("count", n))
			}
		}
	}
}
