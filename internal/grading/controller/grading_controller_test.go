package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"blockjudge/internal/common/http/middleware"
	"blockjudge/internal/grading/controller"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/repository"
	"blockjudge/internal/grading/sandbox/engine"
	"blockjudge/internal/grading/service"
	pkgerrors "blockjudge/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Code    pkgerrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
}

type fixture struct {
	router   *gin.Engine
	verdicts *repository.MemoryVerdictStore
	coord    *service.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := repository.NewMemoryChallengeStore(&model.Challenge{
		ID:          "add",
		Title:       "Add",
		Difficulty:  model.DifficultyEasy,
		StarterCode: "function solve(a, b) {}",
		Approach:    "Return a + b.",
		PostedAt:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Limits:      model.Limits{TimeLimitMs: 1000},
		TestCases: []model.TestCase{
			{Index: 1, Input: model.NewValue([]any{1, 2}), Expected: model.NewValue(3)},
			{Index: 2, Input: model.NewValue([]any{40, 2}), Expected: model.NewValue(42), Hidden: true},
		},
	})
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	verdicts := repository.NewMemoryVerdictStore(0)
	coord, err := service.NewCoordinator(service.Config{
		Store:    store,
		Executor: engine.NewInProc(engine.Config{}),
		Sink:     verdicts,
		Settings: service.DefaultSettings(),
	})
	if err != nil {
		t.Fatalf("create coordinator failed: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	router := gin.New()
	router.Use(middleware.TraceContext())
	authn := middleware.NewAuthenticator(middleware.AuthConfig{JWTSecret: secret, ElevatedRoles: []string{"admin"}})
	router.Use(middleware.Auth(authn, middleware.AuthOptional))
	controller.NewGradingController(coord, store, verdicts).Register(router)
	return &fixture{router: router, verdicts: verdicts, coord: coord}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, path, body, bearer string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response failed: %v (%s)", err, rec.Body.String())
	}
	return rec.Code, env
}

func TestSubmitAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	status, env := f.do(t, http.MethodPost, "/api/v1/challenges/add/submissions",
		`{"code":"function solve(a, b) { return a + b; }"}`, "")
	if status != http.StatusOK || env.Code != pkgerrors.Success {
		t.Fatalf("expected success, got %d %d %s", status, env.Code, env.Message)
	}
	var v model.Verdict
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode verdict failed: %v", err)
	}
	if v.Status != model.StatusAccepted || v.PassedCount != 2 || v.FirstFailedIndex != model.NoFailure {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.Outcomes[1].Input != nil {
		t.Fatalf("expected hidden input to be redacted for anonymous callers")
	}
}

func TestSubmitElevatedSeesHiddenCases(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, env := f.do(t, http.MethodPost, "/api/v1/challenges/add/submissions",
		`{"code":"function solve(a, b) { return a - b; }"}`, token(t, "root", "admin"))
	var v model.Verdict
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode verdict failed: %v", err)
	}
	if v.Status != model.StatusFailed || v.FirstFailedIndex != 1 {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if v.Outcomes[1].Expected == nil || v.Outcomes[1].Expected.String() != "42" {
		t.Fatalf("expected hidden expected value for elevated caller, got %+v", v.Outcomes[1])
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   pkgerrors.ErrorCode
	}{
		{name: "unknown-challenge", path: "/api/v1/challenges/nope/submissions", body: `{"code":"1"}`, status: http.StatusNotFound, code: pkgerrors.ChallengeNotFound},
		{name: "empty-code", path: "/api/v1/challenges/add/submissions", body: `{"code":"   "}`, status: http.StatusBadRequest, code: pkgerrors.EmptyCode},
		{name: "bad-json", path: "/api/v1/challenges/add/submissions", body: `{"code":`, status: http.StatusBadRequest, code: pkgerrors.InvalidParams},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, env := f.do(t, http.MethodPost, tt.path, tt.body, "")
			if status != tt.status || env.Code != tt.code {
				t.Fatalf("expected %d/%d, got %d/%d (%s)", tt.status, tt.code, status, env.Code, env.Message)
			}
		})
	}
}

func TestSubmitRejectsBadToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	status, env := f.do(t, http.MethodPost, "/api/v1/challenges/add/submissions", `{"code":"1"}`, "not-a-jwt")
	if status != http.StatusUnauthorized || env.Code != pkgerrors.TokenInvalid {
		t.Fatalf("expected TokenInvalid, got %d/%d", status, env.Code)
	}
}

func TestChallengeEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, env := f.do(t, http.MethodGet, "/api/v1/challenges", "", "")
	var list controller.ChallengeListResponse
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if list.Total != 1 || list.Challenges[0].ID != "add" {
		t.Fatalf("unexpected list %+v", list)
	}

	status, env := f.do(t, http.MethodGet, "/api/v1/challenges/add", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if strings.Contains(string(env.Data), "42") {
		t.Fatalf("expected hidden case to stay private: %s", env.Data)
	}
	var detail controller.ChallengeDetailResponse
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode detail failed: %v", err)
	}
	if len(detail.Examples) != 1 || detail.TestCaseCount != 2 || detail.EntryPoint != "solve" || detail.Policy != "exact" || detail.Approach != "Return a + b." {
		t.Fatalf("unexpected detail %+v", detail)
	}

	if status, _ := f.do(t, http.MethodGet, "/api/v1/challenges/missing", "", ""); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestRawVerdictRequiresElevation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, env := f.do(t, http.MethodPost, "/api/v1/challenges/add/submissions",
		`{"code":"function solve(a, b) { return 0; }"}`, token(t, "alice", "user"))
	var v model.Verdict
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode verdict failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(f.verdicts.Records()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.verdicts.Records(); len(got) != 1 || got[0].Submission.SubmitterToken != "alice" {
		t.Fatalf("expected the verdict to be persisted for alice, got %+v", got)
	}

	path := "/api/v1/submissions/" + v.SubmissionID + "/raw"
	if status, _ := f.do(t, http.MethodGet, path, "", token(t, "alice", "user")); status != http.StatusForbidden {
		t.Fatalf("expected 403 for a regular user, got %d", status)
	}
	status, env := f.do(t, http.MethodGet, path, "", token(t, "root", "admin"))
	if status != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", status, env.Message)
	}
	var raw model.Verdict
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		t.Fatalf("decode raw verdict failed: %v", err)
	}
	if raw.Outcomes[1].Input == nil {
		t.Fatalf("expected raw verdict to keep hidden inputs")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	status, env := f.do(t, http.MethodGet, "/api/health", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var health controller.HealthResponse
	if err := json.Unmarshal(env.Data, &health); err != nil {
		t.Fatalf("decode health failed: %v", err)
	}
	if health.Status != "ok" || health.Pool.Size != service.DefaultSettings().PoolSize {
		t.Fatalf("unexpected health %+v", health)
	}
}
