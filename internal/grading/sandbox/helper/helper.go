// Package helper is the body of the sandbox-init process: it decodes one
// request, locks the process down, runs the program and writes one outcome.
package helper

import (
	"context"
	"fmt"
	"io"

	"blockjudge/internal/grading/sandbox"
	"blockjudge/internal/grading/sandbox/jsvm"
)

// LockDown restricts the current process before untrusted code runs.
type LockDown func(req jsvm.HelperRequest) error

// Serve handles one request and returns the process exit code. Anything
// that fails before the program starts exits with jsvm.HelperExitSetup and
// a one-line reason on stderr.
func Serve(stdin io.Reader, stdout, stderr io.Writer, lockDown LockDown) int {
	req, err := jsvm.DecodeHelperRequest(stdin)
	if err != nil {
		return setupFailed(stderr, err)
	}
	if lockDown != nil {
		if err := lockDown(req); err != nil {
			return setupFailed(stderr, err)
		}
	}

	out, err := jsvm.Run(context.Background(), req.Program, req.Options)
	if err != nil {
		// Malformed program; nothing user-visible ran.
		return setupFailed(stderr, err)
	}
	out.Stdout = sandbox.Truncate(out.Stdout, req.Options.OutputLimit)
	out.Stderr = sandbox.Truncate(out.Stderr, req.Options.OutputLimit)
	if err := jsvm.EncodeOutcome(stdout, out); err != nil {
		return setupFailed(stderr, fmt.Errorf("encode outcome: %w", err))
	}
	return 0
}

func setupFailed(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintln(stderr, err.Error())
	return jsvm.HelperExitSetup
}
