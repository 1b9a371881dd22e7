package controller

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"codejudge/internal/judge/model"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultRunSubject   = "judge.run.request"
	DefaultJudgeSubject = "judge.judge.request"
	// DefaultNATSConcurrency bounds requests awaiting results at once.
	DefaultNATSConcurrency = 10
)

// NATSReply is the JSON body sent back on the reply subject.
type NATSReply struct {
	JobID   string      `json:"jobId,omitempty"`
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// NATSHandler answers run and judge requests over NATS request/reply.
// nats.go delivers a subscription's messages on one goroutine, so each
// request is handed to its own goroutine, at most concurrency at a time.
type NATSHandler struct {
	jobs        JobService
	waitTimeout time.Duration
	slots       chan struct{}
	inflight    sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSHandler creates a handler. concurrency is usually the worker pool
// size; a non-positive value falls back to DefaultNATSConcurrency.
func NewNATSHandler(jobs JobService, waitTimeout time.Duration, concurrency int) *NATSHandler {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultNATSConcurrency
	}
	return &NATSHandler{
		jobs:        jobs,
		waitTimeout: waitTimeout,
		slots:       make(chan struct{}, concurrency),
	}
}

// Subscribe registers both subjects on nc. The caller drains the connection
// on shutdown.
func (h *NATSHandler) Subscribe(ctx context.Context, nc *nats.Conn, runSubject, judgeSubject string) ([]*nats.Subscription, error) {
	if runSubject == "" {
		runSubject = DefaultRunSubject
	}
	if judgeSubject == "" {
		judgeSubject = DefaultJudgeSubject
	}
	handlers := map[string]func(context.Context, []byte) NATSReply{
		runSubject:   h.HandleRun,
		judgeSubject: h.HandleJudge,
	}
	subs := make([]*nats.Subscription, 0, len(handlers))
	for subject, handle := range handlers {
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			h.Dispatch(ctx, msg, handle)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "subscribe %s failed", subject)
		}
		subs = append(subs, sub)
		logger.Info(ctx, "nats subscription ready", zap.String("subject", subject))
	}
	h.mu.Lock()
	h.subs = append(h.subs, subs...)
	h.mu.Unlock()
	return subs, nil
}

// Dispatch answers msg on a new goroutine. It blocks while all slots are
// busy, which leaves further messages pending in the subscription.
func (h *NATSHandler) Dispatch(ctx context.Context, msg *nats.Msg, handle func(context.Context, []byte) NATSReply) {
	h.slots <- struct{}{}
	h.inflight.Add(1)
	go func() {
		defer func() {
			<-h.slots
			h.inflight.Done()
		}()
		h.respond(ctx, msg, handle)
	}()
}

// Shutdown stops taking new requests and waits for in-flight replies to be
// sent. Call it before draining the connection.
func (h *NATSHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn(ctx, "nats unsubscribe failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *NATSHandler) respond(ctx context.Context, msg *nats.Msg, handle func(context.Context, []byte) NATSReply) {
	reqCtx := context.WithValue(ctx, contextkey.TraceID, uuid.NewString())
	reply := handle(reqCtx, msg.Data)
	if msg.Reply == "" {
		logger.Warn(reqCtx, "nats request without reply subject", zap.String("subject", msg.Subject))
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		logger.Error(reqCtx, "encode nats reply failed", zap.Error(err))
		return
	}
	if err := msg.Respond(body); err != nil {
		logger.Warn(reqCtx, "send nats reply failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// HandleRun decodes a RunRequest, runs it and builds the reply.
func (h *NATSHandler) HandleRun(ctx context.Context, data []byte) NATSReply {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply("", appErr.Wrapf(err, appErr.InvalidParams, "decode run request failed"))
	}
	if missingFields(req.Language, req.Code) {
		return errorReply("", appErr.New(appErr.InvalidParams).WithMessage(service.MissingFieldsMessage))
	}
	return h.submitAndWait(ctx, model.Job{
		Kind:     model.JobKindRun,
		Language: req.Language,
		Source:   req.Code,
		Stdin:    req.Input,
	}, func(res *model.JobResult) interface{} { return res.Run })
}

// HandleJudge decodes a JudgeRequest, judges it and builds the reply.
func (h *NATSHandler) HandleJudge(ctx context.Context, data []byte) NATSReply {
	var req JudgeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorReply("", appErr.Wrapf(err, appErr.InvalidParams, "decode judge request failed"))
	}
	if missingFields(req.Language, req.Code) {
		return errorReply("", appErr.New(appErr.InvalidParams).WithMessage(service.MissingFieldsMessage))
	}
	return h.submitAndWait(ctx, model.Job{
		Kind:      model.JobKindJudge,
		Language:  req.Language,
		Source:    req.Code,
		TestCases: req.TestCases,
		MaxScore:  req.ScoreMax,
	}, func(res *model.JobResult) interface{} {
		if res.Verdict == nil {
			return nil
		}
		return JudgeResponse{JudgeVerdict: *res.Verdict, Record: res.Record}
	})
}

func (h *NATSHandler) submitAndWait(ctx context.Context, job model.Job, project func(*model.JobResult) interface{}) NATSReply {
	jobID, err := h.jobs.Enqueue(ctx, job)
	if err != nil {
		return errorReply("", err)
	}
	outcome, err := h.jobs.AwaitResult(ctx, jobID, h.waitTimeout)
	if err != nil {
		return errorReply(jobID, err)
	}
	switch outcome.Status {
	case service.AwaitCompleted:
		if outcome.Result == nil {
			return errorReply(jobID, appErr.New(appErr.JudgeSystemError).WithMessage("job finished without a result"))
		}
		return NATSReply{JobID: jobID, Status: string(outcome.Status), Data: project(outcome.Result)}
	case service.AwaitPending:
		return NATSReply{JobID: jobID, Status: string(outcome.Status), Message: outcome.Message}
	default:
		return errorReply(jobID, failureError(outcome))
	}
}

func errorReply(jobID string, err error) NATSReply {
	e := appErr.GetError(err)
	return NATSReply{
		JobID:   jobID,
		Status:  string(service.AwaitFailed),
		Code:    int(e.Code),
		Message: e.Error(),
	}
}
