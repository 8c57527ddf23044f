package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"blockjudge/internal/grading/sandbox"
	"blockjudge/internal/grading/sandbox/jsvm"

	"golang.org/x/sync/semaphore"
)

var errKilled = errors.New("submission killed")

// InProc runs each execution in a fresh goja runtime inside this process.
// Isolation comes from the interpreter having no host surface. The heap is
// shared, so runs that enforce a memory limit hold the metered slot one at a
// time and the heap growth seen during a run is that run's own. Parallel
// memory-limited grading needs the process engine.
type InProc struct {
	outputLimit int
	metered     *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]map[*int]context.CancelCauseFunc
}

func NewInProc(cfg Config) *InProc {
	limit := cfg.OutputLimitBytes
	if limit <= 0 {
		limit = sandbox.DefaultOutputLimit
	}
	return &InProc{
		outputLimit: limit,
		metered:     semaphore.NewWeighted(1),
		inflight:    make(map[string]map[*int]context.CancelCauseFunc),
	}
}

func (e *InProc) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	prog, err := buildProgram(req)
	if err != nil {
		return sandbox.Result{}, sandbox.Failure(err, "prepare program")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	token := e.register(req.SubmissionID, cancel)
	defer e.unregister(req.SubmissionID, token)

	opts := buildOptions(req.Limits, e.outputLimit)
	if opts.MemoryLimit > 0 {
		if err := e.metered.Acquire(runCtx, 1); err != nil {
			return sandbox.Result{}, cancelErr(runCtx)
		}
		defer e.metered.Release(1)
	}

	out, err := jsvm.Run(runCtx, prog, opts)
	if err != nil {
		if runCtx.Err() != nil {
			return sandbox.Result{}, cancelErr(runCtx)
		}
		return sandbox.Result{}, sandbox.Failure(err, "run program")
	}
	return toResult(out), nil
}

func cancelErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func (e *InProc) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	e.mu.Lock()
	runs := e.inflight[submissionID]
	delete(e.inflight, submissionID)
	e.mu.Unlock()
	for _, cancel := range runs {
		cancel(errKilled)
	}
	return nil
}

func (e *InProc) register(submissionID string, cancel context.CancelCauseFunc) *int {
	token := new(int)
	e.mu.Lock()
	defer e.mu.Unlock()
	runs := e.inflight[submissionID]
	if runs == nil {
		runs = make(map[*int]context.CancelCauseFunc)
		e.inflight[submissionID] = runs
	}
	runs[token] = cancel
	return token
}

func (e *InProc) unregister(submissionID string, token *int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	runs := e.inflight[submissionID]
	delete(runs, token)
	if len(runs) == 0 {
		delete(e.inflight, submissionID)
	}
}
