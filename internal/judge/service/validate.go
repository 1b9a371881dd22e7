package service

import (
	"regexp"
	"strings"

	"codejudge/internal/judge/model"
	appErr "codejudge/pkg/errors"
)

// MissingFieldsMessage is returned when language or source is absent.
const MissingFieldsMessage = "Language and code are required"

// Caller supplied ids name workspace directories and store keys.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func (s *Scheduler) validate(job *model.Job) error {
	if job.ID != "" && !jobIDPattern.MatchString(job.ID) {
		return appErr.ValidationError("job_id", "must be 1-64 letters, digits, '-' or '_'").
			WithDetail("job_id", job.ID)
	}
	job.Language = strings.ToLower(strings.TrimSpace(job.Language))
	if job.Language == "" || strings.TrimSpace(job.Source) == "" {
		return appErr.New(appErr.InvalidParams).WithMessage(MissingFieldsMessage)
	}
	if !s.languages.IsSupported(job.Language) {
		return appErr.New(appErr.LanguageNotSupported).
			WithMessagef("Unsupported language: %s", job.Language).
			WithDetail("language", job.Language)
	}
	if len(job.Source) > s.opts.MaxSourceBytes {
		return appErr.New(appErr.CodeTooLarge).
			WithDetail("limit_bytes", s.opts.MaxSourceBytes).
			WithDetail("size_bytes", len(job.Source))
	}

	if job.Kind == "" {
		job.Kind = model.JobKindRun
		if len(job.TestCases) > 0 {
			job.Kind = model.JobKindJudge
		}
	}
	switch job.Kind {
	case model.JobKindRun:
		return nil
	case model.JobKindJudge:
		if len(job.TestCases) == 0 {
			return appErr.New(appErr.TestCasesRequired)
		}
		if len(job.TestCases) > s.opts.MaxTestCases {
			return appErr.New(appErr.TooManyTestCases).WithDetail("limit", s.opts.MaxTestCases)
		}
		if job.MaxScore != nil && *job.MaxScore < 0 {
			return appErr.ValidationError("maxScore", "must not be negative")
		}
		return nil
	default:
		return appErr.ValidationError("kind", "must be run or judge")
	}
}
