package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/sandbox"
	"blockjudge/internal/grading/sandbox/engine"
	"blockjudge/internal/grading/service"
	pkgerrors "blockjudge/pkg/errors"
)

const (
	addCode      = "function solve(a, b) { return a + b; }"
	loopCode     = "function solve(a, b) { while (true) {} }"
	thrownCode   = "function solve(a, b) { throw new Error('boom'); }"
	brokenSyntax = "function solve(a, b) { return a + ; }"
)

type fakeStore struct {
	mu         sync.Mutex
	challenges map[string]*model.Challenge
	calls      int
}

func newFakeStore(challenges ...*model.Challenge) *fakeStore {
	s := &fakeStore{challenges: make(map[string]*model.Challenge)}
	for _, c := range challenges {
		c.Normalize()
		s.challenges[c.ID] = c
	}
	return s
}

func (s *fakeStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	c, ok := s.challenges[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.ChallengeNotFound)
	}
	return c, nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []service.VerdictRecord
	err     error
}

func (s *fakeSink) SaveVerdict(ctx context.Context, record service.VerdictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return s.err
}

func (s *fakeSink) saved() []service.VerdictRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]service.VerdictRecord, len(s.records))
	copy(out, s.records)
	return out
}

// countingExecutor wraps an executor and counts Execute calls.
type countingExecutor struct {
	sandbox.Executor
	mu    sync.Mutex
	calls int
}

func (c *countingExecutor) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Executor.Execute(ctx, req)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	return sandbox.Result{}, sandbox.Failure(errors.New("no sandbox slot"), "allocate sandbox")
}

func (failingExecutor) KillSubmission(ctx context.Context, submissionID string) error { return nil }

// hangingExecutor never finishes on its own.
type hangingExecutor struct{}

func (hangingExecutor) Execute(ctx context.Context, req sandbox.Request) (sandbox.Result, error) {
	<-ctx.Done()
	return sandbox.Result{}, context.Cause(ctx)
}

func (hangingExecutor) KillSubmission(ctx context.Context, submissionID string) error { return nil }

func addChallenge(timeLimitMs int64, cases ...model.TestCase) *model.Challenge {
	return &model.Challenge{
		ID:         "sum",
		Title:      "Sum",
		Difficulty: model.DifficultyBasic,
		TestCases:  cases,
		Limits:     model.Limits{TimeLimitMs: timeLimitMs, MemoryLimitMB: 64},
		Policy:     model.ExactPolicy(),
	}
}

func tc(index int, input []any, expected any) model.TestCase {
	return model.TestCase{Index: index, Input: model.NewValue(input), Expected: model.NewValue(expected)}
}

func newCoordinator(t *testing.T, store service.ChallengeStore, exec sandbox.Executor, sink service.VerdictSink, settings service.Settings) *service.Coordinator {
	t.Helper()
	coord, err := service.NewCoordinator(service.Config{
		Store:    store,
		Executor: exec,
		Sink:     sink,
		Settings: settings,
	})
	if err != nil {
		t.Fatalf("create coordinator failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	return coord
}

func inproc() sandbox.Executor {
	return engine.NewInProc(engine.Config{})
}

func TestGradeAccepted(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	coord := newCoordinator(t, newFakeStore(addChallenge(2000, tc(1, []any{2, 3}, 5))), inproc(), sink, service.DefaultSettings())

	v, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "alice"})
	if err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if v.Status != model.StatusAccepted {
		t.Fatalf("expected Accepted, got %s (%+v)", v.Status, v.Outcomes)
	}
	if len(v.Outcomes) != 1 || v.Outcomes[0].Status != model.StatusPassed {
		t.Fatalf("expected one passed outcome, got %+v", v.Outcomes)
	}
	if v.SubmissionID == "" || v.ChallengeID != "sum" || v.GradedAt.IsZero() {
		t.Fatalf("expected verdict to be stamped, got %+v", v)
	}
	if v.FirstFailedIndex != model.NoFailure {
		t.Fatalf("expected no failed index, got %d", v.FirstFailedIndex)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	saved := sink.saved()
	if len(saved) != 1 || saved[0].Verdict.SubmissionID != v.SubmissionID {
		t.Fatalf("expected verdict to be persisted once, got %d records", len(saved))
	}
	if saved[0].Submission.SubmitterToken != "alice" {
		t.Fatalf("expected submitter token to be recorded")
	}
}

func TestGradeInfiniteLoopTimesOut(t *testing.T) {
	t.Parallel()
	coord := newCoordinator(t, newFakeStore(addChallenge(1000, tc(1, []any{2, 3}, 5))), inproc(), nil, service.DefaultSettings())

	start := time.Now()
	v, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: loopCode})
	if err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if v.Status != model.StatusTimedOut || v.Outcomes[0].Status != model.StatusTimedOut {
		t.Fatalf("expected TimedOut, got %s", v.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected time limit to be enforced, took %s", elapsed)
	}
}

func TestGradePartialFailure(t *testing.T) {
	t.Parallel()
	challenge := addChallenge(2000,
		tc(1, []any{1, 1}, 2),
		tc(2, []any{2, 2}, 5),
		tc(3, []any{3, 3}, 6),
	)
	for _, parallelism := range []int{1, 3} {
		settings := service.DefaultSettings()
		settings.CaseParallelism = parallelism
		coord := newCoordinator(t, newFakeStore(challenge), inproc(), nil, settings)

		v, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode})
		if err != nil {
			t.Fatalf("grade failed: %v", err)
		}
		if v.Status != model.StatusFailed || v.FirstFailedIndex != 2 {
			t.Fatalf("parallelism %d: expected Failed at case 2, got %s at %d", parallelism, v.Status, v.FirstFailedIndex)
		}
		want := []model.Status{model.StatusPassed, model.StatusFailed, model.StatusPassed}
		if len(v.Outcomes) != len(want) {
			t.Fatalf("expected %d outcomes, got %d", len(want), len(v.Outcomes))
		}
		for i, o := range v.Outcomes {
			if o.Index != i+1 || o.Status != want[i] {
				t.Fatalf("parallelism %d: unexpected outcome %d: %+v", parallelism, i, o)
			}
		}
		if v.PassedCount != 2 || v.TotalCount != 3 {
			t.Fatalf("expected 2/3 passed, got %d/%d", v.PassedCount, v.TotalCount)
		}
	}
}

func TestGradeUnknownChallenge(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{Executor: inproc()}
	coord := newCoordinator(t, newFakeStore(), exec, nil, service.DefaultSettings())

	_, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "missing", Code: addCode})
	if !pkgerrors.Is(err, pkgerrors.ChallengeNotFound) {
		t.Fatalf("expected ChallengeNotFound, got %v", err)
	}
	if exec.count() != 0 {
		t.Fatalf("expected no sandbox calls, got %d", exec.count())
	}
}

func TestGradeRejectsBadCode(t *testing.T) {
	t.Parallel()
	store := newFakeStore(addChallenge(2000, tc(1, []any{2, 3}, 5)))
	settings := service.DefaultSettings()
	settings.MaxCodeBytes = 64
	coord := newCoordinator(t, store, inproc(), nil, settings)

	tests := []struct {
		name string
		code string
		want pkgerrors.ErrorCode
	}{
		{name: "empty", code: "", want: pkgerrors.EmptyCode},
		{name: "blank", code: " \n\t", want: pkgerrors.EmptyCode},
		{name: "too-large", code: "// " + string(make([]byte, 100)), want: pkgerrors.CodeTooLarge},
	}
	for _, tt := range tests {
		_, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: tt.code})
		if !pkgerrors.Is(err, tt.want) {
			t.Fatalf("%s: expected code %d, got %v", tt.name, tt.want, err)
		}
	}
	if store.calls != 0 {
		t.Fatalf("expected code checks before loading the challenge")
	}
}

func TestGradeCodeErrorsLiveInVerdict(t *testing.T) {
	t.Parallel()
	store := newFakeStore(addChallenge(2000, tc(1, []any{2, 3}, 5), tc(2, []any{1, 1}, 2)))
	coord := newCoordinator(t, store, inproc(), nil, service.DefaultSettings())

	tests := []struct {
		code string
		want model.Status
	}{
		{code: thrownCode, want: model.StatusRuntimeError},
		{code: brokenSyntax, want: model.StatusCompileError},
	}
	for _, tt := range tests {
		v, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: tt.code})
		if err != nil {
			t.Fatalf("grade failed: %v", err)
		}
		if v.Status != tt.want || v.FirstFailedIndex != 1 {
			t.Fatalf("expected %s at case 1, got %s at %d", tt.want, v.Status, v.FirstFailedIndex)
		}
		if v.Outcomes[0].Stderr == "" {
			t.Fatalf("expected stderr to be captured for %s", tt.want)
		}
	}
}

func TestGradeOverloaded(t *testing.T) {
	t.Parallel()
	settings := service.DefaultSettings()
	settings.PoolSize = 1
	settings.QueueDepth = 0
	coord := newCoordinator(t, newFakeStore(addChallenge(1000, tc(1, []any{2, 3}, 5))), inproc(), nil, settings)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: loopCode, SubmitterToken: "slow"})
		done <- err
	}()
	waitFor(t, func() bool { return coord.Stats().InFlight == 1 })

	start := time.Now()
	_, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "fast"})
	if !pkgerrors.Is(err, pkgerrors.GradingOverloaded) {
		t.Fatalf("expected GradingOverloaded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected immediate rejection, took %s", elapsed)
	}
	if err := <-done; err != nil {
		t.Fatalf("first grade failed: %v", err)
	}
}

func TestGradeQueuesWithinDepth(t *testing.T) {
	t.Parallel()
	settings := service.DefaultSettings()
	settings.PoolSize = 1
	settings.QueueDepth = 1
	coord := newCoordinator(t, newFakeStore(addChallenge(500, tc(1, []any{2, 3}, 5))), inproc(), nil, settings)

	first := make(chan error, 1)
	go func() {
		_, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: loopCode, SubmitterToken: "a"})
		first <- err
	}()
	waitFor(t, func() bool { return coord.Stats().InFlight == 1 })

	second := make(chan *model.Verdict, 1)
	go func() {
		v, _ := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "b"})
		second <- v
	}()
	waitFor(t, func() bool { return coord.Stats().Waiting == 1 })

	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "c"}); !pkgerrors.Is(err, pkgerrors.GradingOverloaded) {
		t.Fatalf("expected GradingOverloaded for the caller past the queue depth, got %v", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first grade failed: %v", err)
	}
	if v := <-second; v == nil || v.Status != model.StatusAccepted {
		t.Fatalf("expected queued grade to be accepted")
	}
}

func TestGradeSubmitterBusy(t *testing.T) {
	t.Parallel()
	coord := newCoordinator(t, newFakeStore(addChallenge(1000, tc(1, []any{2, 3}, 5))), inproc(), nil, service.DefaultSettings())

	done := make(chan error, 1)
	go func() {
		_, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: loopCode, SubmitterToken: "alice"})
		done <- err
	}()
	waitFor(t, func() bool { return coord.Stats().InFlight == 1 })

	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "alice"}); !pkgerrors.Is(err, pkgerrors.SubmitterBusy) {
		t.Fatalf("expected SubmitterBusy, got %v", err)
	}
	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "bob"}); err != nil {
		t.Fatalf("expected another submitter to be admitted, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first grade failed: %v", err)
	}
	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "alice"}); err != nil {
		t.Fatalf("expected submitter to be admitted again, got %v", err)
	}
}

func TestGradeCancelled(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	coord := newCoordinator(t, newFakeStore(addChallenge(5000, tc(1, []any{2, 3}, 5))), inproc(), sink, service.DefaultSettings())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := coord.Grade(ctx, service.GradeRequest{ChallengeID: "sum", Code: loopCode})
	if !pkgerrors.Is(err, pkgerrors.RequestCancelled) {
		t.Fatalf("expected RequestCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected cancellation to stop the sandbox, took %s", elapsed)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	_ = coord.Close(closeCtx)
	if len(sink.saved()) != 0 {
		t.Fatalf("expected cancelled submission not to be persisted")
	}
}

func TestGradeAnonymousCallersCappedByAddress(t *testing.T) {
	t.Parallel()
	coord := newCoordinator(t, newFakeStore(addChallenge(1000, tc(1, []any{2, 3}, 5))), inproc(), nil, service.DefaultSettings())

	done := make(chan error, 1)
	go func() {
		_, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: loopCode, ClientAddr: "203.0.113.7"})
		done <- err
	}()
	waitFor(t, func() bool { return coord.Stats().InFlight == 1 })

	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, ClientAddr: "203.0.113.7"}); !pkgerrors.Is(err, pkgerrors.SubmitterBusy) {
		t.Fatalf("expected SubmitterBusy for a second anonymous call from the same address, got %v", err)
	}
	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, SubmitterToken: "203.0.113.7"}); err != nil {
		t.Fatalf("expected a token holder not to share the anonymous slot, got %v", err)
	}
	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, ClientAddr: "198.51.100.2"}); err != nil {
		t.Fatalf("expected another address to be admitted, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first grade failed: %v", err)
	}
}

func TestGradeCancelledAfterGradingIsNotPersisted(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The second clock read stamps the finished verdict; the caller leaves there.
	var reads atomic.Int32
	coord, err := service.NewCoordinator(service.Config{
		Store:    newFakeStore(addChallenge(1000, tc(1, []any{2, 3}, 5))),
		Executor: inproc(),
		Sink:     sink,
		Settings: service.DefaultSettings(),
		Now: func() time.Time {
			if reads.Add(1) == 2 {
				cancel()
			}
			return time.Now()
		},
	})
	if err != nil {
		t.Fatalf("create coordinator failed: %v", err)
	}

	if _, err := coord.Grade(ctx, service.GradeRequest{ChallengeID: "sum", Code: addCode}); !pkgerrors.Is(err, pkgerrors.RequestCancelled) {
		t.Fatalf("expected RequestCancelled, got %v", err)
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	_ = coord.Close(closeCtx)
	if len(sink.saved()) != 0 {
		t.Fatalf("expected the verdict not to be persisted after cancellation")
	}
}

func TestGradeCeilingReportsRemainingAsTimedOut(t *testing.T) {
	t.Parallel()
	settings := service.DefaultSettings()
	settings.CeilingOverhead = 10 * time.Millisecond
	challenge := addChallenge(50, tc(1, []any{1, 1}, 2), tc(2, []any{2, 2}, 4), tc(3, []any{3, 3}, 6))
	coord := newCoordinator(t, newFakeStore(challenge), hangingExecutor{}, nil, settings)

	start := time.Now()
	v, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode})
	if err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected the ceiling to stop grading, took %s", elapsed)
	}
	if v.Status != model.StatusTimedOut || len(v.Outcomes) != 3 {
		t.Fatalf("expected TimedOut over 3 outcomes, got %s over %d", v.Status, len(v.Outcomes))
	}
	for _, o := range v.Outcomes {
		if o.Status != model.StatusTimedOut {
			t.Fatalf("expected every case to time out, got %+v", o)
		}
	}
}

func TestGradeInfrastructureFailure(t *testing.T) {
	t.Parallel()
	settings := service.DefaultSettings()
	settings.SandboxRetries = 1
	settings.RetryBaseDelay = time.Millisecond
	coord := newCoordinator(t, newFakeStore(addChallenge(1000, tc(1, []any{2, 3}, 5))), failingExecutor{}, nil, settings)

	v, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode})
	if err != nil {
		t.Fatalf("expected a verdict, got %v", err)
	}
	if v.Status != model.StatusRuntimeError || !v.InfraFailure || !v.Outcomes[0].InfraFailure {
		t.Fatalf("expected RuntimeError flagged as infrastructure failure, got %+v", v)
	}
}

func TestGradeRedactsHiddenCases(t *testing.T) {
	t.Parallel()
	hidden := tc(2, []any{10, 20}, 31)
	hidden.Hidden = true
	sink := &fakeSink{}
	coord := newCoordinator(t, newFakeStore(addChallenge(2000, tc(1, []any{2, 3}, 5), hidden)), inproc(), sink, service.DefaultSettings())

	v, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode})
	if err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if v.Status != model.StatusFailed || v.FirstFailedIndex != 2 {
		t.Fatalf("expected hidden case to fail, got %s at %d", v.Status, v.FirstFailedIndex)
	}
	if o := v.Outcomes[1]; !o.Hidden || o.Input != nil || o.Expected != nil || o.Actual != nil {
		t.Fatalf("expected hidden case to be redacted, got %+v", o)
	}

	elevated, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode, RevealHidden: true})
	if err != nil {
		t.Fatalf("grade failed: %v", err)
	}
	if o := elevated.Outcomes[1]; o.Actual == nil || o.Actual.String() != "30" {
		t.Fatalf("expected elevated verdict to reveal actual output, got %+v", o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = coord.Close(ctx)
	for _, rec := range sink.saved() {
		if rec.Verdict.Outcomes[1].Actual != nil {
			t.Fatalf("expected persisted public verdict to stay redacted")
		}
		if rec.Raw.Outcomes[1].Actual == nil {
			t.Fatalf("expected raw verdict to keep hidden outcome")
		}
	}
}

func TestGradeAfterClose(t *testing.T) {
	t.Parallel()
	coord := newCoordinator(t, newFakeStore(addChallenge(1000, tc(1, []any{2, 3}, 5))), inproc(), nil, service.DefaultSettings())
	if err := coord.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := coord.Grade(context.Background(), service.GradeRequest{ChallengeID: "sum", Code: addCode}); !pkgerrors.Is(err, pkgerrors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
