package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/repository"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	execute func(ctx context.Context, call int, req sandbox.ExecuteRequest) (result.RunOutcome, error)
	judge   func(ctx context.Context, call int, req sandbox.JudgeRequest) (result.JudgeVerdict, error)
}

func (f *fakeExecutor) next() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeExecutor) Execute(ctx context.Context, req sandbox.ExecuteRequest) (result.RunOutcome, error) {
	call := f.next()
	if f.execute == nil {
		return result.RunOutcome{Status: result.StatusCompleted, Output: req.Stdin}, nil
	}
	return f.execute(ctx, call, req)
}

func (f *fakeExecutor) Judge(ctx context.Context, req sandbox.JudgeRequest) (result.JudgeVerdict, error) {
	call := f.next()
	if f.judge == nil {
		cases := make([]result.CaseResult, len(req.TestCases))
		for i, tc := range req.TestCases {
			cases[i] = result.CaseResult{Index: i, Status: result.CasePassed, Input: tc.Input, ExpectedOutput: tc.Output, ActualOutput: tc.Output}
		}
		return result.Summarize(cases, req.MaxScore), nil
	}
	return f.judge(ctx, call, req)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.JobRecord
}

func (p *recordingPublisher) PublishFinal(ctx context.Context, rec model.JobRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, rec)
	return nil
}

func (p *recordingPublisher) Events() []model.JobRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.JobRecord(nil), p.events...)
}

func testOptions() service.Options {
	return service.Options{
		Workers:     2,
		QueueSize:   8,
		RateLimit:   1000,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

func newScheduler(t *testing.T, exec sandbox.Service, opts service.Options) (*service.Scheduler, *repository.MemoryRepository, *recordingPublisher) {
	t.Helper()
	repo := repository.NewMemoryRepository(time.Minute)
	pub := &recordingPublisher{}
	s, err := service.NewScheduler(service.Dependencies{
		Executor:   exec,
		Repository: repo,
		Languages:  profile.DefaultTable(),
		Publisher:  pub,
	}, opts)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, repo, pub
}

func startScheduler(t *testing.T, s *service.Scheduler) {
	t.Helper()
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
}

func await(t *testing.T, s *service.Scheduler, jobID string) service.AwaitOutcome {
	t.Helper()
	out, err := s.AwaitResult(context.Background(), jobID, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	return out
}

func TestSchedulerRunJobCompletes(t *testing.T) {
	exec := &fakeExecutor{}
	s, _, pub := newScheduler(t, exec, testOptions())
	startScheduler(t, s)

	id, err := s.Enqueue(context.Background(), model.Job{Language: "Python", Source: "print(input())", Stdin: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated job id")
	}

	out := await(t, s, id)
	if out.Status != service.AwaitCompleted || out.Result == nil || out.Result.Run == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Result.Run.Output != "hi" {
		t.Fatalf("unexpected output %q", out.Result.Run.Output)
	}

	rec, err := s.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.State != model.JobStateCompleted || rec.Kind != model.JobKindRun || rec.Language != "python" || rec.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if events := pub.Events(); len(events) != 1 || events[0].ID != id {
		t.Fatalf("expected one final event, got %+v", events)
	}
}

func TestSchedulerSkipsAttemptClaimedElsewhere(t *testing.T) {
	exec := &fakeExecutor{}
	opts := testOptions()
	opts.Workers = 1
	s, repo, _ := newScheduler(t, exec, opts)
	ctx := context.Background()

	if won, err := repo.Claim(ctx, "taken", 1, "other-instance"); err != nil || !won {
		t.Fatalf("pre-claim: %v (%v)", won, err)
	}
	if _, err := s.Enqueue(ctx, model.Job{ID: "taken", Language: "python", Source: "x"}); err != nil {
		t.Fatalf("enqueue taken: %v", err)
	}
	if _, err := s.Enqueue(ctx, model.Job{ID: "free", Language: "python", Source: "x"}); err != nil {
		t.Fatalf("enqueue free: %v", err)
	}
	startScheduler(t, s)

	if out := await(t, s, "free"); out.Status != service.AwaitCompleted {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if calls := exec.Calls(); calls != 1 {
		t.Fatalf("expected only the free job to run, got %d calls", calls)
	}
	rec, err := repo.Get(ctx, "taken")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != model.JobStateWaiting || rec.Attempts != 0 {
		t.Fatalf("expected claimed-elsewhere job untouched, got %+v", rec)
	}
}

func TestSchedulerJudgeJobCarriesRecord(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeExecutor{}, testOptions())
	startScheduler(t, s)

	score := 10
	id, err := s.Enqueue(context.Background(), model.Job{
		Language:  "cpp",
		Source:    "int main(){}",
		TestCases: []result.TestCase{{Input: "1", Output: "1"}, {Input: "2", Output: "2"}},
		MaxScore:  &score,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := await(t, s, id)
	if out.Status != service.AwaitCompleted || out.Result.Verdict == nil || out.Result.Record == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Result.Record.Accuracy != 100 || out.Result.Record.Score == nil || *out.Result.Record.Score != 10 {
		t.Fatalf("unexpected record: %+v", out.Result.Record)
	}
}

func TestSchedulerEnqueueValidation(t *testing.T) {
	s, _, _ := newScheduler(t, &fakeExecutor{}, service.Options{MaxSourceBytes: 16, MaxTestCases: 1})

	tests := []struct {
		name string
		job  model.Job
		code appErr.ErrorCode
		msg  string
	}{
		{name: "missing language", job: model.Job{Source: "x"}, code: appErr.InvalidParams, msg: service.MissingFieldsMessage},
		{name: "missing code", job: model.Job{Language: "python", Source: "  "}, code: appErr.InvalidParams, msg: service.MissingFieldsMessage},
		{name: "unknown language", job: model.Job{Language: "ruby", Source: "puts 1"}, code: appErr.LanguageNotSupported},
		{name: "source too large", job: model.Job{Language: "python", Source: strings.Repeat("x", 17)}, code: appErr.CodeTooLarge},
		{name: "judge without cases", job: model.Job{Kind: model.JobKindJudge, Language: "python", Source: "x"}, code: appErr.TestCasesRequired},
		{name: "too many cases", job: model.Job{Language: "python", Source: "x", TestCases: make([]result.TestCase, 2)}, code: appErr.TooManyTestCases},
		{name: "unknown kind", job: model.Job{Kind: "compile", Language: "python", Source: "x"}, code: appErr.ValidationFailed},
		{name: "job id with path separator", job: model.Job{ID: "tenant/42", Language: "python", Source: "x"}, code: appErr.ValidationFailed},
		{name: "job id too long", job: model.Job{ID: strings.Repeat("a", 65), Language: "python", Source: "x"}, code: appErr.ValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), tt.job)
			if !appErr.Is(err, tt.code) {
				t.Fatalf("expected code %d, got %v", tt.code, err)
			}
			if tt.msg != "" && err.Error() != tt.msg {
				t.Fatalf("expected message %q, got %q", tt.msg, err.Error())
			}
		})
	}
}

func TestSchedulerQueueFull(t *testing.T) {
	opts := testOptions()
	opts.QueueSize = 1
	s, repo, _ := newScheduler(t, &fakeExecutor{}, opts)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, model.Job{ID: "a", Language: "python", Source: "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := s.Enqueue(ctx, model.Job{ID: "b", Language: "python", Source: "x"})
	if !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("expected JudgeQueueFull, got %v", err)
	}
	if _, err := repo.Get(ctx, "b"); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("rejected job must not stay recorded, got %v", err)
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("expected depth 1, got %d", s.QueueDepth())
	}
}

func TestSchedulerRetriesInfraErrors(t *testing.T) {
	exec := &fakeExecutor{
		execute: func(ctx context.Context, call int, req sandbox.ExecuteRequest) (result.RunOutcome, error) {
			switch call {
			case 1:
				return result.RunOutcome{}, appErr.InfraError(errors.New("docker unavailable"), "start container failed")
			case 2:
				panic("worker crashed")
			}
			return result.RunOutcome{Status: result.StatusCompleted, Output: "ok"}, nil
		},
	}
	s, _, _ := newScheduler(t, exec, testOptions())
	startScheduler(t, s)

	id, err := s.Enqueue(context.Background(), model.Job{Language: "python", Source: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := await(t, s, id)
	if out.Status != service.AwaitCompleted {
		t.Fatalf("expected completion after retries, got %+v", out)
	}
	rec, _ := s.Status(context.Background(), id)
	if rec.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", rec.Attempts)
	}
}

func TestSchedulerFailsAfterMaxAttempts(t *testing.T) {
	exec := &fakeExecutor{
		execute: func(ctx context.Context, call int, req sandbox.ExecuteRequest) (result.RunOutcome, error) {
			return result.RunOutcome{}, appErr.InfraError(nil, "sandbox broken")
		},
	}
	s, _, pub := newScheduler(t, exec, testOptions())
	startScheduler(t, s)

	id, err := s.Enqueue(context.Background(), model.Job{Language: "python", Source: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := await(t, s, id)
	if out.Status != service.AwaitFailed || out.Reason != "sandbox broken" || out.ErrorCode != int(appErr.RetriesExhausted) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if exec.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", exec.Calls())
	}
	if events := pub.Events(); len(events) != 1 || events[0].State != model.JobStateFailed {
		t.Fatalf("expected one failed event, got %+v", events)
	}
}

func TestSchedulerDoesNotRetryFinalErrors(t *testing.T) {
	exec := &fakeExecutor{
		execute: func(ctx context.Context, call int, req sandbox.ExecuteRequest) (result.RunOutcome, error) {
			return result.RunOutcome{}, appErr.New(appErr.LanguageNotSupported)
		},
	}
	s, _, _ := newScheduler(t, exec, testOptions())
	startScheduler(t, s)

	id, err := s.Enqueue(context.Background(), model.Job{Language: "python", Source: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := await(t, s, id)
	if out.Status != service.AwaitFailed || exec.Calls() != 1 {
		t.Fatalf("expected a single failed attempt, got %+v after %d calls", out, exec.Calls())
	}
}

func TestSchedulerJobTimeout(t *testing.T) {
	exec := &fakeExecutor{
		execute: func(ctx context.Context, call int, req sandbox.ExecuteRequest) (result.RunOutcome, error) {
			<-ctx.Done()
			return result.RunOutcome{}, appErr.Wrapf(ctx.Err(), appErr.Timeout, "run interrupted")
		},
	}
	opts := testOptions()
	opts.JobTimeout = 50 * time.Millisecond
	s, _, _ := newScheduler(t, exec, opts)
	startScheduler(t, s)

	id, err := s.Enqueue(context.Background(), model.Job{Language: "python", Source: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out := await(t, s, id)
	if out.Status != service.AwaitFailed || out.ErrorCode != int(appErr.TimeLimitExceeded) {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if exec.Calls() != 1 {
		t.Fatalf("deadline hits must not be retried, got %d calls", exec.Calls())
	}
}

func TestSchedulerAwaitPending(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		execute: func(ctx context.Context, call int, req sandbox.ExecuteRequest) (result.RunOutcome, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return result.RunOutcome{Status: result.StatusCompleted}, nil
		},
	}
	s, _, _ := newScheduler(t, exec, testOptions())
	startScheduler(t, s)
	defer close(release)

	id, err := s.Enqueue(context.Background(), model.Job{Language: "python", Source: "x"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	started := time.Now()
	out, err := s.AwaitResult(context.Background(), id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if out.Status != service.AwaitPending || out.Message != service.PendingMessage || out.JobID != id {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("await blocked for %v", elapsed)
	}
}

func TestSchedulerShutdownFailsQueuedJobs(t *testing.T) {
	s, repo, _ := newScheduler(t, &fakeExecutor{}, testOptions())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.Enqueue(ctx, model.Job{ID: id, Language: "python", Source: "x"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		rec, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.State != model.JobStateFailed || rec.FailedReason != "scheduler shutting down" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}
	if _, err := s.Enqueue(ctx, model.Job{Language: "python", Source: "x"}); !appErr.Is(err, appErr.SchedulerClosed) {
		t.Fatalf("expected SchedulerClosed, got %v", err)
	}
}

func TestSchedulerShutdownDrainsQueue(t *testing.T) {
	exec := &fakeExecutor{}
	s, _, _ := newScheduler(t, exec, testOptions())
	s.Start(context.Background())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := s.Enqueue(ctx, model.Job{Language: "python", Source: "x"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, id := range ids {
		rec, err := s.Status(ctx, id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if rec.State != model.JobStateCompleted {
			t.Fatalf("expected drained job completed, got %+v", rec)
		}
	}
}

func TestSchedulerCheckStalled(t *testing.T) {
	s, repo, pub := newScheduler(t, &fakeExecutor{}, testOptions())
	ctx := context.Background()

	expired := time.Now().Add(-time.Minute).UnixMilli()
	stuck := model.JobRecord{
		Job:         model.Job{ID: "stuck", Kind: model.JobKindRun, Language: "python", Source: "x"},
		State:       model.JobStateActive,
		Attempts:    1,
		LockToken:   "dead-worker",
		LockedUntil: expired,
	}
	if err := repo.Save(ctx, stuck); err != nil {
		t.Fatalf("save: %v", err)
	}

	n, err := s.CheckStalled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one stalled job, got %d (%v)", n, err)
	}
	rec, _ := repo.Get(ctx, "stuck")
	if rec.State != model.JobStateWaiting || rec.StalledCount != 1 || rec.LockToken != "" {
		t.Fatalf("expected requeued job, got %+v", rec)
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("expected job back in queue, depth %d", s.QueueDepth())
	}

	rec.State = model.JobStateActive
	rec.LockToken = "dead-worker-2"
	rec.LockedUntil = expired
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.CheckStalled(ctx); err != nil {
		t.Fatalf("check stalled: %v", err)
	}
	rec, _ = repo.Get(ctx, "stuck")
	if rec.State != model.JobStateFailed || rec.FailedReason != "job stalled more than allowable limit" {
		t.Fatalf("expected stalled failure, got %+v", rec)
	}
	if events := pub.Events(); len(events) != 1 {
		t.Fatalf("expected one final event, got %d", len(events))
	}
}

func TestSchedulerIgnoresLiveLocks(t *testing.T) {
	s, repo, _ := newScheduler(t, &fakeExecutor{}, testOptions())
	ctx := context.Background()

	live := model.JobRecord{
		Job:         model.Job{ID: "live", Kind: model.JobKindRun},
		State:       model.JobStateActive,
		LockToken:   "w",
		LockedUntil: time.Now().Add(time.Minute).UnixMilli(),
	}
	if err := repo.Save(ctx, live); err != nil {
		t.Fatalf("save: %v", err)
	}
	if n, err := s.CheckStalled(ctx); err != nil || n != 0 {
		t.Fatalf("expected no stalled jobs, got %d (%v)", n, err)
	}
}

func TestSchedulerReportsProgress(t *testing.T) {
	var sched *service.Scheduler
	seen := make(chan model.Progress, 1)
	exec := &fakeExecutor{
		judge: func(ctx context.Context, call int, req sandbox.JudgeRequest) (result.JudgeVerdict, error) {
			if err := sched.ReportProgress(ctx, sandbox.ProgressUpdate{JobID: req.JobID, Stage: sandbox.StageRunning, TotalCases: 3, DoneCases: 1}); err != nil {
				return result.JudgeVerdict{}, err
			}
			rec, err := sched.Status(ctx, req.JobID)
			if err != nil {
				return result.JudgeVerdict{}, err
			}
			seen <- rec.Progress
			return result.Summarize([]result.CaseResult{{Status: result.CasePassed}}, nil), nil
		},
	}
	s, _, _ := newScheduler(t, exec, testOptions())
	sched = s
	startScheduler(t, s)

	id, err := s.Enqueue(context.Background(), model.Job{Language: "java", Source: "class Main {}", TestCases: []result.TestCase{{Input: "1", Output: "1"}}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	await(t, s, id)
	progress := <-seen
	if progress.Stage != string(sandbox.StageRunning) || progress.TotalCases != 3 || progress.DoneCases != 1 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := service.ComputeBackoff(tt.retry, time.Second, 30*time.Second); got != tt.want {
			t.Fatalf("retry %d: expected %v, got %v", tt.retry, tt.want, got)
		}
	}
}
