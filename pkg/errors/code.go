package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Job admission errors
// 13100-13199: Judge & sandbox errors
// 13200-13299: Queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Storage errors (10400-10499)
	StorageError   ErrorCode = 10400
	ObjectNotFound ErrorCode = 10401

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Job Admission Errors (13000-13099) ==========

	JobNotFound          ErrorCode = 13000
	JobCreateFailed      ErrorCode = 13001
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	TooManyTestCases     ErrorCode = 13004
	TestCasesRequired    ErrorCode = 13005

	// ========== Judge & Sandbox Errors (13100-13199) ==========

	JudgeQueueFull    ErrorCode = 13100
	JudgeSystemError  ErrorCode = 13101
	CompilationError  ErrorCode = 13102
	RuntimeError      ErrorCode = 13103
	TimeLimitExceeded ErrorCode = 13104
	SpawnFailed       ErrorCode = 13105
	WorkspaceError    ErrorCode = 13106

	// ========== Queue Errors (13200-13299) ==========

	JobStalled       ErrorCode = 13200
	RetriesExhausted ErrorCode = 13201
	SchedulerClosed  ErrorCode = 13202
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Storage
	StorageError:   "Object storage operation failed",
	ObjectNotFound: "Object not found",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Admission
	JobNotFound:          "Job not found",
	JobCreateFailed:      "Failed to create job",
	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",
	TooManyTestCases:     "Too many test cases",
	TestCasesRequired:    "At least one test case is required",

	// Judge
	JudgeQueueFull:    "Judge queue is full, please try again later",
	JudgeSystemError:  "Judge system error",
	CompilationError:  "Compilation Error",
	RuntimeError:      "Runtime error",
	TimeLimitExceeded: "Time Limit Exceeded",
	SpawnFailed:       "Failed to start process",
	WorkspaceError:    "Workspace operation failed",

	// Queue
	JobStalled:       "job stalled more than allowable limit",
	RetriesExhausted: "Job failed after exhausting retries",
	SchedulerClosed:  "Scheduler is shutting down",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == JobNotFound, c == ObjectNotFound:
		return 404
	case c == TooManyRequests, c == JudgeQueueFull:
		return 429
	case c == ServiceUnavailable, c == SchedulerClosed:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c >= 13002 && c < 13100:
		return 400
	default:
		return 500
	}
}

// Class groups codes into the judge error taxonomy.
type Class string

const (
	ClassValidation Class = "validation"
	ClassCompile    Class = "compile"
	ClassRuntime    Class = "runtime"
	ClassTimeout    Class = "timeout"
	ClassInfra      Class = "infra"
)

// Class returns the taxonomy class of the code.
func (c ErrorCode) Class() Class {
	switch {
	case c >= 10300 && c < 10400, c == InvalidParams, c >= 13002 && c < 13100:
		return ClassValidation
	case c == CompilationError:
		return ClassCompile
	case c == RuntimeError:
		return ClassRuntime
	case c == TimeLimitExceeded:
		return ClassTimeout
	default:
		return ClassInfra
	}
}
