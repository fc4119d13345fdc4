package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Grader account & auth errors
// 12000-12999: Batch & intake errors
// 13000-13999: Sandbox & grading errors
// 14000-14999: Resource pack & storage errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Grader Account & Auth Errors (11000-11999) ==========

	InvalidCredentials    ErrorCode = 11000
	GraderNotFound        ErrorCode = 11001
	TokenExpired          ErrorCode = 11002
	TokenInvalid          ErrorCode = 11003
	TokenGenerationFailed ErrorCode = 11004

	// ========== Batch & Intake Errors (12000-12999) ==========

	// Batch lifecycle (12000-12099)
	BatchNotFound     ErrorCode = 12000
	BatchCreateFailed ErrorCode = 12001
	BatchUpdateFailed ErrorCode = 12002
	BatchAlreadyDone  ErrorCode = 12003

	// Archive intake (12100-12199)
	ArchiveInvalid     ErrorCode = 12100
	ArchiveUnsafePath  ErrorCode = 12101
	InfoFileMalformed  ErrorCode = 12102
	DuplicateStudent   ErrorCode = 12103
	SubmissionNotFound ErrorCode = 12104

	// Command plan (12200-12299)
	PlanNotFound  ErrorCode = 12200
	PlanMalformed ErrorCode = 12201
	PlanEmpty     ErrorCode = 12202

	// ========== Sandbox & Grading Errors (13000-13999) ==========

	// Sandbox engine (13000-13099)
	SandboxError       ErrorCode = 13000
	SandboxHelperError ErrorCode = 13001
	PrivilegeDropError ErrorCode = 13002
	CgroupError        ErrorCode = 13003

	// Grading workflow (13100-13199)
	GradingSystemError  ErrorCode = 13100
	StepTimeout         ErrorCode = 13101
	MemoryLimitExceeded ErrorCode = 13102
	OutputLimitExceeded ErrorCode = 13103
	WorkspaceError      ErrorCode = 13104

	// Environment preflight (13200-13299)
	PreflightFailed     ErrorCode = 13200
	RunningAsRoot       ErrorCode = 13201
	ToolchainMissing    ErrorCode = 13202
	HelperNotExecutable ErrorCode = 13203

	// ========== Resource Pack & Storage Errors (14000-14999) ==========

	ResourcePackNotFound ErrorCode = 14000
	ResourcePackInvalid  ErrorCode = 14001
	StorageError         ErrorCode = 14002
	ReportBundleFailed   ErrorCode = 14003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Auth
	InvalidCredentials:    "Invalid grader name or password",
	GraderNotFound:        "Grader account not found",
	TokenExpired:          "Token has expired",
	TokenInvalid:          "Invalid token",
	TokenGenerationFailed: "Failed to generate token",

	// Batch
	BatchNotFound:     "Batch not found",
	BatchCreateFailed: "Failed to create batch",
	BatchUpdateFailed: "Failed to update batch",
	BatchAlreadyDone:  "Batch has already finished",

	// Intake
	ArchiveInvalid:     "Submission archive is invalid",
	ArchiveUnsafePath:  "Submission archive contains an unsafe path",
	InfoFileMalformed:  "Submission info file is malformed",
	DuplicateStudent:   "Duplicate student id in batch",
	SubmissionNotFound: "Submission not found",

	// Plan
	PlanNotFound:  "Command plan not found",
	PlanMalformed: "Command plan is malformed",
	PlanEmpty:     "Command plan has no runnable steps",

	// Sandbox
	SandboxError:       "Sandbox execution failed",
	SandboxHelperError: "Sandbox helper failed",
	PrivilegeDropError: "Failed to drop privileges",
	CgroupError:        "Cgroup operation failed",

	// Grading
	GradingSystemError:  "Grading system error",
	StepTimeout:         "Step wall time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",
	WorkspaceError:      "Workspace operation failed",

	// Preflight
	PreflightFailed:     "Environment preflight failed",
	RunningAsRoot:       "Refusing to grade as root without a runner account",
	ToolchainMissing:    "Required toolchain binary is missing",
	HelperNotExecutable: "Sandbox helper is missing or not executable",

	// Storage
	ResourcePackNotFound: "Resource pack not found",
	ResourcePackInvalid:  "Resource pack is invalid",
	StorageError:         "Object storage operation failed",
	ReportBundleFailed:   "Failed to build report bundle",
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
	case c >= 11000 && c < 12000: // Auth errors
		return 401
	case c == Unauthorized:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == BatchNotFound, c == SubmissionNotFound, c == ResourcePackNotFound:
		return 404
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams:
		return 400
	case c >= 12100 && c < 12300: // Intake and plan errors
		return 400
	default:
		return 500
	}
}
