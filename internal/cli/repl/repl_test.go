package repl_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	httpclient "blockjudge/internal/cli/http"
	"blockjudge/internal/cli/repl"
	"blockjudge/internal/cli/state"
	"blockjudge/internal/grading/controller"
	"blockjudge/internal/grading/model"
)

type stubBackend struct {
	shown []string
}

func (s *stubBackend) ListChallenges(ctx context.Context) ([]model.Summary, error) {
	return []model.Summary{{ID: "add", Title: "Add", Difficulty: model.DifficultyEasy}}, nil
}

func (s *stubBackend) GetChallenge(ctx context.Context, id string) (controller.ChallengeDetailResponse, error) {
	s.shown = append(s.shown, id)
	return controller.ChallengeDetailResponse{Summary: model.Summary{ID: id, Title: "Add", Difficulty: model.DifficultyEasy}}, nil
}

func (s *stubBackend) Submit(ctx context.Context, challengeID, code string, failFast bool) (*model.Verdict, error) {
	return &model.Verdict{SubmissionID: "sub-1", Status: model.StatusAccepted}, nil
}

func (s *stubBackend) RawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error) {
	return &model.Verdict{SubmissionID: submissionID, Status: model.StatusAccepted}, nil
}

func (s *stubBackend) Health(ctx context.Context) (controller.HealthResponse, error) {
	return controller.HealthResponse{Status: "ok"}, nil
}

func newSession(backend *stubBackend) (*repl.Session, *bytes.Buffer) {
	var out bytes.Buffer
	return repl.New(repl.Options{Backend: backend, Out: &out, Mode: "local"}), &out
}

func TestExecuteCommands(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{}
	session, out := newSession(backend)
	ctx := context.Background()

	if err := session.Execute(ctx, "list"); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := session.Execute(ctx, `show "add"`); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if len(backend.shown) != 1 || backend.shown[0] != "add" {
		t.Fatalf("expected show add, got %v", backend.shown)
	}
	if !strings.Contains(out.String(), "Add (easy)") {
		t.Fatalf("expected challenge title in output, got:\n%s", out.String())
	}
	if err := session.Execute(ctx, "   "); err != nil {
		t.Fatalf("expected blank line to be ignored, got %v", err)
	}
}

func TestExecuteErrors(t *testing.T) {
	t.Parallel()

	session, _ := newSession(&stubBackend{})
	ctx := context.Background()

	tests := []struct {
		name string
		line string
		want string
	}{
		{name: "unknown command", line: "frobnicate", want: "unknown command"},
		{name: "missing field", line: "show", want: "missing id"},
		{name: "unbalanced quote", line: `show "add`, want: "parse command failed"},
		{name: "remote only setting", line: "set base http://x", want: "remote mode"},
		{name: "bad pretty", line: "set pretty maybe", want: "invalid pretty"},
	}
	for _, tt := range tests {
		err := session.Execute(ctx, tt.line)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tt.name, tt.want, err)
		}
	}

	if err := session.Execute(ctx, "exit"); !errors.Is(err, repl.ErrExit) {
		t.Fatalf("expected ErrExit, got %v", err)
	}
}

func TestPromptFillsMissingFields(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{}
	session, _ := newSession(backend)
	var asked []string
	session.SetPrompter(func(label string) (string, error) {
		asked = append(asked, label)
		return "add", nil
	})

	if err := session.Execute(context.Background(), "show"); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if len(asked) != 1 || asked[0] != "challenge_id" {
		t.Fatalf("expected one prompt for challenge_id, got %v", asked)
	}
	if len(backend.shown) != 1 || backend.shown[0] != "add" {
		t.Fatalf("expected show add, got %v", backend.shown)
	}
}

func TestHelpAndPretty(t *testing.T) {
	t.Parallel()

	session, out := newSession(&stubBackend{})
	ctx := context.Background()

	if err := session.Execute(ctx, "help"); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, want := range []string{"submit <challenge_id> <file.js>", "raw <submission_id>", "set base|timeout|token|pretty"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected help to contain %q, got:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := session.Execute(ctx, "set pretty true"); err != nil {
		t.Fatalf("set pretty failed: %v", err)
	}
	if err := session.Execute(ctx, "health"); err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "ok"`) {
		t.Fatalf("expected JSON output after set pretty, got:\n%s", out.String())
	}
}

func TestRemoteSettings(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "state.json")
	client := httpclient.New("http://127.0.0.1:1", time.Second, nil)
	var out bytes.Buffer
	session := repl.New(repl.Options{
		Backend:   client,
		Out:       &out,
		Mode:      "remote",
		Remote:    client,
		StatePath: statePath,
	})
	ctx := context.Background()

	if err := session.Execute(ctx, "set base http://grader:8090/"); err != nil {
		t.Fatalf("set base failed: %v", err)
	}
	if client.BaseURL() != "http://grader:8090" {
		t.Fatalf("expected trimmed base url, got %q", client.BaseURL())
	}
	if err := session.Execute(ctx, "set timeout soon"); err == nil {
		t.Fatalf("expected invalid duration error")
	}
	if err := session.Execute(ctx, "set token abcdefghijklmnop"); err != nil {
		t.Fatalf("set token failed: %v", err)
	}
	saved, err := state.Load(statePath)
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	if saved.AccessToken != "abcdefghijklmnop" {
		t.Fatalf("expected saved token, got %q", saved.AccessToken)
	}

	out.Reset()
	if err := session.Execute(ctx, "token"); err != nil {
		t.Fatalf("token failed: %v", err)
	}
	if !strings.Contains(out.String(), "abcdef...mnop") {
		t.Fatalf("expected masked token, got %q", out.String())
	}
}
