package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"blockjudge/internal/grading/controller"
	"blockjudge/internal/grading/model"
	pkgerrors "blockjudge/pkg/errors"
)

// envelope mirrors the service response wrapper.
type envelope struct {
	Code    pkgerrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	TraceID string              `json:"trace_id"`
}

// Client talks to a grader service.
type Client struct {
	baseURL       string
	timeout       time.Duration
	tokenProvider func() string
	httpClient    *http.Client
}

func New(baseURL string, timeout time.Duration, tokenProvider func() string) *Client {
	return &Client{
		baseURL:       baseURL,
		timeout:       timeout,
		tokenProvider: tokenProvider,
		httpClient:    &http.Client{},
	}
}

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) ListChallenges(ctx context.Context) ([]model.Summary, error) {
	var out controller.ChallengeListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/challenges", nil, &out); err != nil {
		return nil, err
	}
	return out.Challenges, nil
}

func (c *Client) GetChallenge(ctx context.Context, id string) (controller.ChallengeDetailResponse, error) {
	var out controller.ChallengeDetailResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/challenges/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Submit(ctx context.Context, challengeID, code string, failFast bool) (*model.Verdict, error) {
	body := controller.SubmitRequest{Code: code, FailFast: failFast}
	var out model.Verdict
	if err := c.do(ctx, http.MethodPost, "/api/v1/challenges/"+url.PathEscape(challengeID)+"/submissions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error) {
	var out model.Verdict
	if err := c.do(ctx, http.MethodGet, "/api/v1/submissions/"+url.PathEscape(submissionID)+"/raw", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Health(ctx context.Context) (controller.HealthResponse, error) {
	var out controller.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// do sends one request and decodes the data field into out. Service errors
// come back as *pkgerrors.Error carrying the service's code.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request failed: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokenProvider != nil {
		if token := c.tokenProvider(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body failed: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("HTTP %d: unexpected response: %s", resp.StatusCode, truncate(data, 200))
	}
	if env.Code != pkgerrors.Success {
		e := pkgerrors.New(env.Code).WithMessage(env.Message)
		if env.TraceID != "" {
			e = e.WithDetail("trace_id", env.TraceID)
		}
		return e
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data failed: %w", err)
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
