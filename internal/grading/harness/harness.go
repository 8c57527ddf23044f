// Package harness runs a submission against every test case of a challenge
// and classifies each result.
package harness

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"blockjudge/internal/grading/compare"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/sandbox"
	"blockjudge/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrCeilingExceeded is the cancellation cause callers set when the whole
// grading budget runs out. Cases cut short by it are reported as TimedOut
// instead of failing the run.
var ErrCeilingExceeded = errors.New("grading time ceiling exceeded")

const (
	diagSkipped = "not run: an earlier test case did not pass"
	diagInfra   = "sandbox infrastructure failure"
)

// Config controls how test cases are scheduled.
type Config struct {
	// Parallelism bounds concurrent sandboxes for one run. Values below 2
	// run cases sequentially.
	Parallelism    int
	FailFast       bool
	Retries        int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	OutputLimit    int
}

// Job is one submission graded against one challenge's cases.
type Job struct {
	SubmissionID string
	Code         string
	EntryPoint   string
	TestCases    []model.TestCase
	Limits       model.Limits
	Policy       model.ComparisonPolicy
	// FailFast overrides Config.FailFast when set.
	FailFast *bool
}

type Harness struct {
	exec sandbox.Executor
	cfg  Config
}

func New(exec sandbox.Executor, cfg Config) *Harness {
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = sandbox.DefaultOutputLimit
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Harness{exec: exec, cfg: cfg}
}

// Run returns one outcome per test case in ascending index order. The only
// error is cancellation of ctx for a reason other than ErrCeilingExceeded.
func (h *Harness) Run(ctx context.Context, job Job) ([]model.ExecutionOutcome, error) {
	cases := make([]model.TestCase, len(job.TestCases))
	copy(cases, job.TestCases)
	sort.SliceStable(cases, func(i, j int) bool { return cases[i].Index < cases[j].Index })

	failFast := h.cfg.FailFast
	if job.FailFast != nil {
		failFast = *job.FailFast
	}

	outcomes := make([]model.ExecutionOutcome, len(cases))
	var stopAt atomic.Int64
	stopAt.Store(math.MaxInt64)

	runAt := func(pos int) error {
		tc := cases[pos]
		if failFast && int64(pos) > stopAt.Load() {
			outcomes[pos] = skipped(tc)
			return nil
		}
		out, err := h.runCase(ctx, job, tc)
		if err != nil {
			return err
		}
		outcomes[pos] = out
		if failFast && out.Status != model.StatusPassed {
			for {
				cur := stopAt.Load()
				if int64(pos) >= cur || stopAt.CompareAndSwap(cur, int64(pos)) {
					break
				}
			}
		}
		return nil
	}

	if h.cfg.Parallelism < 2 {
		for pos := range cases {
			if err := runAt(pos); err != nil {
				return nil, err
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(h.cfg.Parallelism)
		for pos := range cases {
			pos := pos
			g.Go(func() error { return runAt(pos) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if failFast {
		// Parallel runs may finish cases past the first failure; drop them
		// so the result does not depend on scheduling.
		for pos, out := range outcomes {
			if out.Status == model.StatusPassed {
				continue
			}
			for j := pos + 1; j < len(outcomes); j++ {
				outcomes[j] = skipped(cases[j])
			}
			break
		}
	}
	return outcomes, nil
}

func (h *Harness) runCase(ctx context.Context, job Job, tc model.TestCase) (model.ExecutionOutcome, error) {
	req := sandbox.Request{
		SubmissionID: job.SubmissionID,
		CaseIndex:    tc.Index,
		Code:         job.Code,
		EntryPoint:   job.EntryPoint,
		Input:        tc.Input,
		Limits:       job.Limits,
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return h.interrupted(ctx, tc)
		}
		res, err := h.exec.Execute(ctx, req)
		if err == nil {
			out := h.classify(tc, res, job.Policy)
			logger.Debug(ctx, "test case graded",
				zap.String("submission_id", job.SubmissionID),
				zap.Int("case_index", tc.Index),
				zap.String("status", string(out.Status)),
				zap.Duration("duration", out.Duration),
			)
			return out, nil
		}
		if ctx.Err() != nil {
			return h.interrupted(ctx, tc)
		}
		if attempt >= h.cfg.Retries {
			logger.Error(ctx, "sandbox failure, retries exhausted",
				zap.String("submission_id", job.SubmissionID),
				zap.Int("case_index", tc.Index),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return infraFailure(tc, err), nil
		}

		delay := ComputeBackoff(attempt, h.cfg.RetryBaseDelay, h.cfg.RetryMaxDelay)
		logger.Warn(ctx, "sandbox failure, retrying test case",
			zap.String("submission_id", job.SubmissionID),
			zap.Int("case_index", tc.Index),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return h.interrupted(ctx, tc)
			case <-timer.C:
			}
		}
	}
}

// interrupted reports a case cut short by ctx.
func (h *Harness) interrupted(ctx context.Context, tc model.TestCase) (model.ExecutionOutcome, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCeilingExceeded) {
		return model.ExecutionOutcome{
			Index:      tc.Index,
			Status:     model.StatusTimedOut,
			Hidden:     tc.Hidden,
			Diagnostic: ErrCeilingExceeded.Error(),
		}, nil
	}
	if cause == nil {
		cause = ctx.Err()
	}
	return model.ExecutionOutcome{}, cause
}

func (h *Harness) classify(tc model.TestCase, res sandbox.Result, policy model.ComparisonPolicy) model.ExecutionOutcome {
	input, expected := tc.Input, tc.Expected
	out := model.ExecutionOutcome{
		Index:      tc.Index,
		Hidden:     tc.Hidden,
		Input:      &input,
		Expected:   &expected,
		Stdout:     sandbox.Truncate(res.Stdout, h.cfg.OutputLimit),
		Stderr:     sandbox.Truncate(res.Stderr, h.cfg.OutputLimit),
		Duration:   res.Duration,
		Diagnostic: res.Message,
	}

	switch res.Status {
	case sandbox.ExitCompileError:
		out.Status = model.StatusCompileError
	case sandbox.ExitTimedOut:
		out.Status = model.StatusTimedOut
	case sandbox.ExitMemoryExceeded:
		out.Status = model.StatusResourceExceeded
	case sandbox.ExitOK:
		actual := actualOutput(res)
		out.Actual = &actual
		out.Status = compare.Compare(actual, expected, policy)
	default:
		out.Status = model.StatusRuntimeError
	}
	return out
}

// actualOutput prefers the entry point's return value, then stdout read as
// JSON, then stdout as plain text.
func actualOutput(res sandbox.Result) model.Value {
	if res.Returned != nil {
		return *res.Returned
	}
	text := strings.TrimSpace(res.Stdout)
	if text != "" {
		if v, err := model.ParseValue([]byte(text)); err == nil {
			return v
		}
	}
	return model.NewValue(text)
}

func skipped(tc model.TestCase) model.ExecutionOutcome {
	return model.ExecutionOutcome{
		Index:      tc.Index,
		Status:     model.StatusFailed,
		Hidden:     tc.Hidden,
		Diagnostic: diagSkipped,
	}
}

func infraFailure(tc model.TestCase, err error) model.ExecutionOutcome {
	return model.ExecutionOutcome{
		Index:        tc.Index,
		Status:       model.StatusRuntimeError,
		Hidden:       tc.Hidden,
		InfraFailure: true,
		Diagnostic:   diagInfra + ": " + err.Error(),
	}
}
