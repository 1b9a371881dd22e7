package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "codejudge/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{JobNotFound, "Job not found"},
		{InvalidParams, "Invalid parameters"},
		{TimeLimitExceeded, "Time Limit Exceeded"},
		{JobStalled, "job stalled more than allowable limit"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{LanguageNotSupported, 400},
		{CodeTooLarge, 400},
		{JobNotFound, 404},
		{JudgeQueueFull, 429},
		{SchedulerClosed, 503},
		{JudgeSystemError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(JobNotFound, "job %s not found", "abc")

	want := "job abc not found"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, CacheError)

	if wrappedErr.Code != CacheError {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, CacheError)
	}

	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
}

func TestGetCodeThroughWrapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(JobNotFound), want: JobNotFound},
		{name: "fmt wrapped", err: fmt.Errorf("ctx: %w", New(SpawnFailed)), want: SpawnFailed},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(JobNotFound)

	if !Is(err, JobNotFound) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, CacheError) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, JobNotFound) {
		t.Error("Is() should return false for nil error")
	}
}

func TestTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     Class
		retryable bool
	}{
		{name: "validation", err: ValidationError("code", "required"), class: ClassValidation},
		{name: "language", err: New(LanguageNotSupported), class: ClassValidation},
		{name: "compile", err: CompileError("a.cpp:1: error"), class: ClassCompile},
		{name: "runtime", err: RuntimeFailure("boom", 1), class: ClassRuntime},
		{name: "timeout", err: TimeoutError(), class: ClassTimeout},
		{name: "infra", err: InfraError(errors.New("disk full"), "create workspace"), class: ClassInfra, retryable: true},
		{name: "plain error", err: errors.New("lost worker"), class: ClassInfra, retryable: true},
		{name: "queue full", err: New(JudgeQueueFull), class: ClassInfra},
		{name: "stalled", err: New(JobStalled), class: ClassInfra},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassOf(tt.err); got != tt.class {
				t.Fatalf("expected class %s, got %s", tt.class, got)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Fatalf("expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestCompileErrorKeepsRawStderr(t *testing.T) {
	err := CompileError("code.cpp:3:5: error: expected ';'")
	if err.Error() != "Compilation Error: code.cpp:3:5: error: expected ';'" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if err.Details["stderr"] != "code.cpp:3:5: error: expected ';'" {
		t.Fatalf("stderr detail not kept")
	}
}

func TestCommonErrorConstructors(t *testing.T) {
	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError("language", "required")
		if err.Code != ValidationFailed {
			t.Error("ValidationError should use ValidationFailed code")
		}
		if err.Details["field"] != "language" {
			t.Error("Field detail not set")
		}
	})
}
