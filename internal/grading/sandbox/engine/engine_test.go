package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/sandbox"
	"blockjudge/internal/grading/sandbox/engine"
)

func request(code string, input any, timeLimitMs int64) sandbox.Request {
	return sandbox.Request{
		SubmissionID: "sub-1",
		CaseIndex:    1,
		Code:         code,
		EntryPoint:   model.DefaultEntryPoint,
		Input:        model.NewValue(input),
		Limits:       model.Limits{TimeLimitMs: timeLimitMs, MemoryLimitMB: 64},
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	exec, err := engine.New(engine.Config{})
	if err != nil {
		t.Fatalf("default engine failed: %v", err)
	}
	if _, ok := exec.(*engine.InProc); !ok {
		t.Fatalf("expected in-process engine by default, got %T", exec)
	}
	if _, err := engine.New(engine.Config{Engine: "vm"}); err == nil {
		t.Fatalf("expected unknown engine to be rejected")
	}
}

func TestInProcExecute(t *testing.T) {
	t.Parallel()
	exec := engine.NewInProc(engine.Config{})
	tests := []struct {
		name string
		code string
		want sandbox.ExitStatus
		ret  string
	}{
		{name: "ok", code: "function solve(a, b) { return a * b; }", want: sandbox.ExitOK, ret: "6"},
		{name: "compile", code: "function solve(a, b) { return a * ; }", want: sandbox.ExitCompileError},
		{name: "runtime", code: "function solve() { undefinedFn(); }", want: sandbox.ExitRuntimeError},
		{name: "timeout", code: "function solve() { while (true) {} }", want: sandbox.ExitTimedOut},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := exec.Execute(context.Background(), request(tt.code, []any{2, 3}, 200))
			if err != nil {
				t.Fatalf("execute failed: %v", err)
			}
			if res.Status != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, res.Status, res.Stderr)
			}
			if tt.ret != "" && (res.Returned == nil || res.Returned.String() != tt.ret) {
				t.Fatalf("expected return %s, got %v", tt.ret, res.Returned)
			}
		})
	}
}

func TestInProcKillSubmission(t *testing.T) {
	t.Parallel()
	exec := engine.NewInProc(engine.Config{})
	errCh := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), request("function solve() { while (true) {} }", nil, 30000))
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if err := exec.KillSubmission(context.Background(), "sub-1"); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil || sandbox.IsFailure(err) {
			t.Fatalf("expected a cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected killed execution to stop")
	}
}

func TestInProcCancelledContext(t *testing.T) {
	t.Parallel()
	exec := engine.NewInProc(engine.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, request("function solve() { return 1; }", nil, 1000))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInProcFreshRuntimePerCall(t *testing.T) {
	t.Parallel()
	exec := engine.NewInProc(engine.Config{})
	code := "var counter = (typeof counter === 'number') ? counter + 1 : 1; function solve() { return counter; }"
	for i := 0; i < 3; i++ {
		res, err := exec.Execute(context.Background(), request(code, nil, 1000))
		if err != nil {
			t.Fatalf("execute failed: %v", err)
		}
		if res.Returned == nil || res.Returned.String() != "1" {
			t.Fatalf("expected no state to leak between runs, got %v", res.Returned)
		}
	}
}

func TestInProcConcurrentAllocationDoesNotLeak(t *testing.T) {
	t.Parallel()
	exec := engine.NewInProc(engine.Config{})

	quiet := request(`function solve() {
		var end = Date.now() + 150;
		while (Date.now() < end) {}
		console.log(5);
		return 5;
	}`, nil, 5000)
	quiet.SubmissionID = "quiet"
	quiet.Limits.MemoryLimitMB = 16

	hungry := request(`function solve() {
		var keep = [];
		for (var i = 0; i < 400; i++) {
			keep.push(new Array(50000).fill(i));
			if (keep.length > 8) keep.shift();
		}
		return keep.length;
	}`, nil, 5000)
	hungry.SubmissionID = "hungry"

	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		var quietRes sandbox.Result
		var quietErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			quietRes, quietErr = exec.Execute(context.Background(), quiet)
		}()
		go func() {
			defer wg.Done()
			_, _ = exec.Execute(context.Background(), hungry)
		}()
		wg.Wait()

		if quietErr != nil {
			t.Fatalf("execute failed: %v", quietErr)
		}
		if quietRes.Status != sandbox.ExitOK {
			t.Fatalf("round %d: expected ok next to an allocating run, got %s (%s)", round, quietRes.Status, quietRes.Message)
		}
		if quietRes.Returned == nil || quietRes.Returned.String() != "5" {
			t.Fatalf("expected return 5, got %v", quietRes.Returned)
		}
	}
}

func TestInProcKillWhileWaitingForMeteredSlot(t *testing.T) {
	t.Parallel()
	exec := engine.NewInProc(engine.Config{})

	blockerDone := make(chan struct{})
	go func() {
		defer close(blockerDone)
		blocker := request("function solve() { var end = Date.now() + 1500; while (Date.now() < end) {} return 1; }", nil, 5000)
		blocker.SubmissionID = "blocker"
		_, _ = exec.Execute(context.Background(), blocker)
	}()
	time.Sleep(100 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), request("function solve() { return 1; }", nil, 1000))
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)
	if err := exec.KillSubmission(context.Background(), "sub-1"); err != nil {
		t.Fatalf("kill failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil || sandbox.IsFailure(err) {
			t.Fatalf("expected a cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the queued execution to stop")
	}
	<-blockerDone
}
