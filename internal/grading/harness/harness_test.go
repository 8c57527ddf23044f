package harness_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"blockjudge/internal/grading/harness"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/sandbox"
)

// fakeExecutor answers each request from a per-case script keyed by the
// case's input string.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   map[int]int
	respond func(req sandbox.Request, call int) (sandbox.Result, error)
}

func newFakeExecutor(respond func(req sandbox.Request, call int) (sandbox.Result, error)) *fakeExecutor {
	return &fakeExecutor{calls: make(map[int]int), respond: respond}
}

func (f *fakeExecutor) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	f.mu.Lock()
	f.calls[req.CaseIndex]++
	call := f.calls[req.CaseIndex]
	f.mu.Unlock()
	return f.respond(req, call)
}

func (f *fakeExecutor) KillSubmission(ctx context.Context, submissionID string) error { return nil }

func (f *fakeExecutor) callCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[index]
}

func returning(v any) sandbox.Result {
	val := model.NewValue(v)
	return sandbox.Result{Status: sandbox.ExitOK, Returned: &val}
}

// echoInput returns the case input, so a case passes when expected == input.
func echoInput(req sandbox.Request, call int) (sandbox.Result, error) {
	val := req.Input
	return sandbox.Result{Status: sandbox.ExitOK, Returned: &val}, nil
}

func testCases(pairs ...[2]any) []model.TestCase {
	out := make([]model.TestCase, 0, len(pairs))
	for i, p := range pairs {
		out = append(out, model.TestCase{Index: i + 1, Input: model.NewValue(p[0]), Expected: model.NewValue(p[1])})
	}
	return out
}

func statuses(outcomes []model.ExecutionOutcome) []model.Status {
	out := make([]model.Status, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Status
	}
	return out
}

func assertStatuses(t *testing.T, outcomes []model.ExecutionOutcome, want ...model.Status) {
	t.Helper()
	got := statuses(outcomes)
	if len(got) != len(want) {
		t.Fatalf("expected %d outcomes, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected statuses %v, got %v", want, got)
		}
	}
}

func TestRunOrdersOutcomesByIndex(t *testing.T) {
	t.Parallel()
	for _, parallelism := range []int{1, 4} {
		exec := newFakeExecutor(func(req sandbox.Request, call int) (sandbox.Result, error) {
			// Later cases finish first.
			time.Sleep(time.Duration(10-req.CaseIndex) * time.Millisecond)
			return echoInput(req, call)
		})
		h := harness.New(exec, harness.Config{Parallelism: parallelism})
		cases := []model.TestCase{
			{Index: 3, Input: model.NewValue(3), Expected: model.NewValue(3)},
			{Index: 1, Input: model.NewValue(1), Expected: model.NewValue(1)},
			{Index: 2, Input: model.NewValue(2), Expected: model.NewValue(0)},
		}
		outcomes, err := h.Run(context.Background(), harness.Job{SubmissionID: "s1", TestCases: cases})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		for i, o := range outcomes {
			if o.Index != i+1 {
				t.Fatalf("parallelism %d: expected index %d at position %d, got %d", parallelism, i+1, i, o.Index)
			}
		}
		assertStatuses(t, outcomes, model.StatusPassed, model.StatusFailed, model.StatusPassed)
	}
}

func TestRunClassifiesExitStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		result sandbox.Result
		want   model.Status
	}{
		{name: "compile", result: sandbox.Result{Status: sandbox.ExitCompileError, Stderr: "SyntaxError"}, want: model.StatusCompileError},
		{name: "runtime", result: sandbox.Result{Status: sandbox.ExitRuntimeError, Stderr: "TypeError"}, want: model.StatusRuntimeError},
		{name: "timeout", result: sandbox.Result{Status: sandbox.ExitTimedOut}, want: model.StatusTimedOut},
		{name: "memory", result: sandbox.Result{Status: sandbox.ExitMemoryExceeded}, want: model.StatusResourceExceeded},
		{name: "stdout-json", result: sandbox.Result{Status: sandbox.ExitOK, Stdout: "5\n"}, want: model.StatusPassed},
		{name: "return-wins", result: returning(5), want: model.StatusPassed},
		{name: "wrong", result: returning(6), want: model.StatusFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := newFakeExecutor(func(req sandbox.Request, call int) (sandbox.Result, error) {
				return tt.result, nil
			})
			h := harness.New(exec, harness.Config{})
			outcomes, err := h.Run(context.Background(), harness.Job{
				SubmissionID: "s1",
				TestCases:    testCases([2]any{[]any{2, 3}, 5}),
				Policy:       model.ExactPolicy(),
			})
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			assertStatuses(t, outcomes, tt.want)
		})
	}
}

func TestRunStdoutPlainText(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(func(req sandbox.Request, call int) (sandbox.Result, error) {
		return sandbox.Result{Status: sandbox.ExitOK, Stdout: "Hello World\n"}, nil
	})
	h := harness.New(exec, harness.Config{})
	outcomes, err := h.Run(context.Background(), harness.Job{
		SubmissionID: "s1",
		TestCases:    testCases([2]any{nil, "hello world"}),
		Policy:       model.NormalizedPolicy(),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	assertStatuses(t, outcomes, model.StatusPassed)
	if s, _ := outcomes[0].Actual.AsString(); s != "Hello World" {
		t.Fatalf("expected actual output %q, got %q", "Hello World", s)
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(func(req sandbox.Request, call int) (sandbox.Result, error) {
		return sandbox.Result{Status: sandbox.ExitRuntimeError, Stdout: strings.Repeat("a", 500), Stderr: strings.Repeat("b", 500)}, nil
	})
	h := harness.New(exec, harness.Config{OutputLimit: 100})
	outcomes, err := h.Run(context.Background(), harness.Job{SubmissionID: "s1", TestCases: testCases([2]any{1, 1})})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	out := outcomes[0]
	if len(out.Stdout) != 100 || !strings.HasSuffix(out.Stdout, sandbox.TruncationMarker) {
		t.Fatalf("expected stdout truncated to 100 bytes with marker, got %d bytes", len(out.Stdout))
	}
	if len(out.Stderr) != 100 || !strings.HasSuffix(out.Stderr, sandbox.TruncationMarker) {
		t.Fatalf("expected stderr truncated to 100 bytes with marker, got %d bytes", len(out.Stderr))
	}
}

func TestRunFailFast(t *testing.T) {
	t.Parallel()
	for _, parallelism := range []int{1, 3} {
		exec := newFakeExecutor(echoInput)
		h := harness.New(exec, harness.Config{Parallelism: parallelism, FailFast: true})
		outcomes, err := h.Run(context.Background(), harness.Job{
			SubmissionID: "s1",
			TestCases:    testCases([2]any{1, 1}, [2]any{2, 0}, [2]any{3, 3}, [2]any{4, 4}),
		})
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		assertStatuses(t, outcomes, model.StatusPassed, model.StatusFailed, model.StatusFailed, model.StatusFailed)
		for _, o := range outcomes[2:] {
			if o.Actual != nil || o.Stdout != "" || o.Stderr != "" {
				t.Fatalf("parallelism %d: expected skipped case %d to carry no output", parallelism, o.Index)
			}
		}
		if parallelism == 1 && (exec.callCount(3) != 0 || exec.callCount(4) != 0) {
			t.Fatalf("expected sequential fail-fast to stop executing")
		}
	}
}

func TestRunFailFastOverride(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(echoInput)
	h := harness.New(exec, harness.Config{FailFast: true})
	off := false
	outcomes, err := h.Run(context.Background(), harness.Job{
		SubmissionID: "s1",
		TestCases:    testCases([2]any{1, 0}, [2]any{2, 2}),
		FailFast:     &off,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	assertStatuses(t, outcomes, model.StatusFailed, model.StatusPassed)
}

func TestRunRetriesSandboxFailure(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(func(req sandbox.Request, call int) (sandbox.Result, error) {
		if call < 3 {
			return sandbox.Result{}, sandbox.Failure(errors.New("no slot"), "allocate sandbox")
		}
		return echoInput(req, call)
	})
	h := harness.New(exec, harness.Config{Retries: 2})
	outcomes, err := h.Run(context.Background(), harness.Job{SubmissionID: "s1", TestCases: testCases([2]any{7, 7})})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	assertStatuses(t, outcomes, model.StatusPassed)
	if got := exec.callCount(1); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRunRetriesExhausted(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(func(req sandbox.Request, call int) (sandbox.Result, error) {
		return sandbox.Result{}, sandbox.Failure(errors.New("no slot"), "allocate sandbox")
	})
	h := harness.New(exec, harness.Config{Retries: 2})
	outcomes, err := h.Run(context.Background(), harness.Job{SubmissionID: "s1", TestCases: testCases([2]any{7, 7})})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	assertStatuses(t, outcomes, model.StatusRuntimeError)
	if !outcomes[0].InfraFailure {
		t.Fatalf("expected infrastructure failure flag")
	}
	if got := exec.callCount(1); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRunCeilingReportsTimedOut(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(func(req sandbox.Request, call int) (sandbox.Result, error) {
		return sandbox.Result{}, errors.New("unreachable")
	})
	h := harness.New(exec, harness.Config{})
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(harness.ErrCeilingExceeded)

	outcomes, err := h.Run(ctx, harness.Job{SubmissionID: "s1", TestCases: testCases([2]any{1, 1}, [2]any{2, 2})})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	assertStatuses(t, outcomes, model.StatusTimedOut, model.StatusTimedOut)
	if exec.callCount(1) != 0 {
		t.Fatalf("expected no sandbox calls after the ceiling")
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(echoInput)
	h := harness.New(exec, harness.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Run(ctx, harness.Job{SubmissionID: "s1", TestCases: testCases([2]any{1, 1})}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestComputeBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{name: "base", attempt: 0, base: time.Second, max: 30 * time.Second, want: time.Second},
		{name: "double", attempt: 1, base: time.Second, max: 30 * time.Second, want: 2 * time.Second},
		{name: "quad", attempt: 2, base: time.Second, max: 30 * time.Second, want: 4 * time.Second},
		{name: "capped", attempt: 10, base: time.Second, max: 30 * time.Second, want: 30 * time.Second},
		{name: "base-over-max", attempt: 0, base: time.Minute, max: 30 * time.Second, want: 30 * time.Second},
		{name: "no-base", attempt: 3, base: 0, max: 30 * time.Second, want: 0},
		{name: "no-max", attempt: 3, base: time.Millisecond, max: 0, want: 8 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := harness.ComputeBackoff(tt.attempt, tt.base, tt.max); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
