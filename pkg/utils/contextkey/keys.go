package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID      key = "trace_id"
	RequestID    key = "request_id"
	UserID       key = "user_id"
	SubmissionID key = "submission_id"
	// Elevated marks a caller allowed to see hidden test case details.
	Elevated key = "elevated"
)
