package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Identity errors
// 12000-12999: Challenge catalogue errors
// 13000-13999: Submission & Grading errors

const (
	// ========== System & Common Errors (10000-10999) ==========

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
	RequestCancelled    ErrorCode = 10009

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301
	InvalidValue     ErrorCode = 10302

	// Object storage & messaging (10400-10499)
	StorageError ErrorCode = 10400
	QueueError   ErrorCode = 10401

	// ========== Identity Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Challenge Errors (12000-12999) ==========

	ChallengeNotFound    ErrorCode = 12000
	InvalidDifficulty    ErrorCode = 12001
	InvalidComparePolicy ErrorCode = 12002
	ChallengeExists      ErrorCode = 12003
	TestCaseInvalid      ErrorCode = 12102
	ChallengeLoadFailed  ErrorCode = 12103

	// ========== Submission & Grading Errors (13000-13999) ==========

	// Submission (13000-13099)
	EmptyCode     ErrorCode = 13000
	CodeTooLarge  ErrorCode = 13002
	SubmitterBusy ErrorCode = 13004

	// Grading (13100-13199)
	GradingOverloaded     ErrorCode = 13100
	InfrastructureFailure ErrorCode = 13101
	SandboxFailure        ErrorCode = 13102
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	RequestCancelled:    "Request cancelled by caller",

	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",
	InvalidValue:     "Invalid value",

	StorageError: "Object storage operation failed",
	QueueError:   "Message queue operation failed",

	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	ChallengeNotFound:    "Challenge not found",
	InvalidDifficulty:    "Invalid difficulty level",
	InvalidComparePolicy: "Invalid comparison policy",
	ChallengeExists:      "Challenge already exists",
	TestCaseInvalid:      "Invalid test case",
	ChallengeLoadFailed:  "Failed to load challenge",

	EmptyCode:     "No code provided",
	CodeTooLarge:  "Code is too large",
	SubmitterBusy: "A submission from this submitter is already being graded",

	GradingOverloaded:     "Grading queue is full, please try again later",
	InfrastructureFailure: "Grading infrastructure failure",
	SandboxFailure:        "Sandbox could not be allocated",
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
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == ChallengeNotFound, c == RecordNotFound:
		return 404
	case c == ChallengeExists:
		return 409
	case c == TooManyRequests, c == SubmitterBusy:
		return 429
	case c == RequestCancelled:
		return 499
	case c == ServiceUnavailable, c == GradingOverloaded:
		return 503
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == EmptyCode, c == CodeTooLarge, c == InvalidDifficulty, c == InvalidComparePolicy, c == TestCaseInvalid:
		return 400
	default:
		return 500
	}
}
