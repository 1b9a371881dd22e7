package controller

import (
	"context"
	"net/http"
	"strings"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/sandbox/profile"
	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// DefaultWaitTimeout bounds how long a synchronous request waits for its job.
const DefaultWaitTimeout = 20 * time.Second

const healthCheckTimeout = 2 * time.Second

// Pinger is a backing store the health endpoint can reach.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobService is the part of the scheduler the transports need.
type JobService interface {
	Enqueue(ctx context.Context, job model.Job) (string, error)
	AwaitResult(ctx context.Context, jobID string, maxWait time.Duration) (service.AwaitOutcome, error)
	Status(ctx context.Context, jobID string) (model.JobRecord, error)
	QueueDepth() int
	ActiveJobs() int
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Input    string `json:"input"`
}

// JudgeRequest is the body of POST /judge.
type JudgeRequest struct {
	Language  string            `json:"language"`
	Code      string            `json:"code"`
	TestCases []result.TestCase `json:"testCases"`
	ScoreMax  *int              `json:"scoreMax"`
}

// JobRequest is the body of POST /jobs. Kind defaults from the test cases.
type JobRequest struct {
	Kind      model.JobKind     `json:"kind"`
	Language  string            `json:"language"`
	Code      string            `json:"code"`
	Input     string            `json:"input"`
	TestCases []result.TestCase `json:"testCases"`
	ScoreMax  *int              `json:"scoreMax"`
}

// JudgeResponse is a verdict plus the persisted submission projection.
type JudgeResponse struct {
	result.JudgeVerdict
	Record *result.SubmissionRecord `json:"record,omitempty"`
}

// PendingResponse is returned with 202 when the wait elapsed first.
type PendingResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// JobView is the public shape of a job record.
type JobView struct {
	ID           string           `json:"jobId"`
	Kind         model.JobKind    `json:"kind"`
	Language     string           `json:"language"`
	State        model.JobState   `json:"state"`
	Attempts     int              `json:"attempts"`
	Progress     model.Progress   `json:"progress"`
	Result       *model.JobResult `json:"result,omitempty"`
	FailedReason string           `json:"failedReason,omitempty"`
	ErrorCode    int              `json:"errorCode,omitempty"`
	CreatedAt    int64            `json:"createdAt"`
	StartedAt    int64            `json:"startedAt,omitempty"`
	FinishedAt   int64            `json:"finishedAt,omitempty"`
}

// LanguageView lists one supported language.
type LanguageView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Compiled bool   `json:"compiled"`
}

// JudgeController serves the HTTP surface of the judge.
type JudgeController struct {
	jobs        JobService
	languages   *profile.Table
	waitTimeout time.Duration
	deps        map[string]Pinger
}

// NewJudgeController creates a new controller.
func NewJudgeController(jobs JobService, languages *profile.Table, waitTimeout time.Duration) *JudgeController {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &JudgeController{jobs: jobs, languages: languages, waitTimeout: waitTimeout, deps: map[string]Pinger{}}
}

// AddHealthDependency makes /healthz report 503 while p cannot be reached.
func (h *JudgeController) AddHealthDependency(name string, p Pinger) {
	h.deps[name] = p
}

// RegisterRoutes mounts the judge endpoints on r.
func (h *JudgeController) RegisterRoutes(r gin.IRouter) {
	r.POST("/run", h.Run)
	r.POST("/judge", h.Judge)
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/languages", h.Languages)
	r.GET("/healthz", h.Health)
}

// Run executes code once against the given input and waits for the output.
func (h *JudgeController) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if missingFields(req.Language, req.Code) {
		response.BadRequest(c, service.MissingFieldsMessage)
		return
	}
	outcome, ok := h.submitAndWait(c, model.Job{
		Kind:     model.JobKindRun,
		Language: req.Language,
		Source:   req.Code,
		Stdin:    req.Input,
	})
	if !ok {
		return
	}
	if outcome.Result == nil || outcome.Result.Run == nil {
		response.Error(c, appErr.New(appErr.JudgeSystemError).WithMessage("job finished without a run result"))
		return
	}
	response.Success(c, outcome.Result.Run)
}

// Judge runs code against ordered test cases and waits for the verdict.
func (h *JudgeController) Judge(c *gin.Context) {
	var req JudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if missingFields(req.Language, req.Code) {
		response.BadRequest(c, service.MissingFieldsMessage)
		return
	}
	outcome, ok := h.submitAndWait(c, model.Job{
		Kind:      model.JobKindJudge,
		Language:  req.Language,
		Source:    req.Code,
		TestCases: req.TestCases,
		MaxScore:  req.ScoreMax,
	})
	if !ok {
		return
	}
	if outcome.Result == nil || outcome.Result.Verdict == nil {
		response.Error(c, appErr.New(appErr.JudgeSystemError).WithMessage("job finished without a verdict"))
		return
	}
	response.Success(c, JudgeResponse{JudgeVerdict: *outcome.Result.Verdict, Record: outcome.Result.Record})
}

// CreateJob enqueues a job without waiting for it.
func (h *JudgeController) CreateJob(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if missingFields(req.Language, req.Code) {
		response.BadRequest(c, service.MissingFieldsMessage)
		return
	}
	jobID, err := h.jobs.Enqueue(c.Request.Context(), model.Job{
		Kind:      req.Kind,
		Language:  req.Language,
		Source:    req.Code,
		Stdin:     req.Input,
		TestCases: req.TestCases,
		MaxScore:  req.ScoreMax,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, "Job accepted", PendingResponse{JobID: jobID, Message: service.PendingMessage})
}

// GetJob returns the current state of one job.
func (h *JudgeController) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	rec, err := h.jobs.Status(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toJobView(rec))
}

// Languages lists the supported languages.
func (h *JudgeController) Languages(c *gin.Context) {
	specs := h.languages.Languages()
	views := make([]LanguageView, 0, len(specs))
	for _, spec := range specs {
		views = append(views, LanguageView{ID: spec.ID, Name: spec.Name, Compiled: spec.CompileEnabled})
	}
	response.Success(c, views)
}

// Health reports liveness with the current queue load.
func (h *JudgeController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	failing := map[string]string{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	body := gin.H{
		"queueDepth": h.jobs.QueueDepth(),
		"activeJobs": h.jobs.ActiveJobs(),
	}
	if len(failing) > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
		body["failing"] = failing
	}
	body["status"] = status
	c.JSON(code, body)
}

// submitAndWait enqueues job and waits for it. It writes the response itself
// unless the job completed, in which case ok is true.
func (h *JudgeController) submitAndWait(c *gin.Context, job model.Job) (service.AwaitOutcome, bool) {
	ctx := c.Request.Context()
	jobID, err := h.jobs.Enqueue(ctx, job)
	if err != nil {
		response.Error(c, err)
		return service.AwaitOutcome{}, false
	}
	outcome, err := h.jobs.AwaitResult(ctx, jobID, h.waitTimeout)
	if err != nil {
		response.Error(c, err)
		return service.AwaitOutcome{}, false
	}
	switch outcome.Status {
	case service.AwaitCompleted:
		return outcome, true
	case service.AwaitPending:
		response.Accepted(c, outcome.Message, PendingResponse{JobID: jobID, Message: outcome.Message})
	default:
		response.Error(c, failureError(outcome))
	}
	return service.AwaitOutcome{}, false
}

// failureError rebuilds the error of a failed job. Failures always surface
// as server errors since the job was accepted before it failed.
func failureError(outcome service.AwaitOutcome) error {
	code := appErr.ErrorCode(outcome.ErrorCode)
	if code == 0 || code.HTTPStatus() < http.StatusInternalServerError {
		code = appErr.JudgeSystemError
	}
	err := appErr.New(code).WithDetail("jobId", outcome.JobID)
	if outcome.Reason != "" {
		err = err.WithMessage(outcome.Reason)
	}
	return err
}

func missingFields(language, code string) bool {
	return strings.TrimSpace(language) == "" || strings.TrimSpace(code) == ""
}

func toJobView(rec model.JobRecord) JobView {
	return JobView{
		ID:           rec.ID,
		Kind:         rec.Kind,
		Language:     rec.Language,
		State:        rec.State,
		Attempts:     rec.Attempts,
		Progress:     rec.Progress,
		Result:       rec.Result,
		FailedReason: rec.FailedReason,
		ErrorCode:    rec.ErrorCode,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	}
}
