// Package sandbox defines the contract between the test harness and the
// engines that run untrusted submission code.
package sandbox

import (
	"context"
	"time"

	"blockjudge/internal/grading/model"
	pkgerrors "blockjudge/pkg/errors"
)

// Executor runs one program against one input in a fresh, disposable
// sandbox instance. Code-caused failures are reported in Result; only
// infrastructure faults (see Failure) and cancellation come back as errors.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)

	// KillSubmission terminates every in-flight execution for submissionID.
	KillSubmission(ctx context.Context, submissionID string) error
}

// Request describes one execution.
type Request struct {
	SubmissionID string
	CaseIndex    int
	Code         string
	// EntryPoint is the function to call with the input. When the program
	// does not define it, stdout is the program's output.
	EntryPoint string
	Input      model.Value
	Limits     model.Limits
}

// ExitStatus classifies how the program ended.
type ExitStatus string

const (
	ExitOK             ExitStatus = "ok"
	ExitRuntimeError   ExitStatus = "runtime_error"
	ExitTimedOut       ExitStatus = "timed_out"
	ExitMemoryExceeded ExitStatus = "memory_exceeded"
	ExitCompileError   ExitStatus = "compile_error"
)

// Result is the raw output of one execution. Stdout and Stderr are already
// bounded by the engine but not yet truncated with a marker.
type Result struct {
	Status ExitStatus
	// Returned is set when the entry point was called and returned a
	// JSON-representable value.
	Returned    *model.Value
	Stdout      string
	Stderr      string
	ExitCode    int
	Duration    time.Duration
	MemoryBytes int64
	// Message is a one-line diagnostic such as an exception message.
	Message string
}

// Failure marks err as an infrastructure fault that the caller may retry.
func Failure(err error, format string, args ...interface{}) error {
	if err == nil {
		return pkgerrors.Newf(pkgerrors.SandboxFailure, format, args...)
	}
	return pkgerrors.Wrapf(err, pkgerrors.SandboxFailure, format, args...)
}

// IsFailure reports whether err is an infrastructure fault.
func IsFailure(err error) bool {
	return pkgerrors.Is(err, pkgerrors.SandboxFailure)
}
