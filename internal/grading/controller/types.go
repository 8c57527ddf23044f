package controller

import (
	"time"

	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/service"
)

// SubmitRequest is the body of a submission.
type SubmitRequest struct {
	Code     string `json:"code"`
	FailFast bool   `json:"failFast"`
}

// ChallengeListResponse wraps the catalogue listing.
type ChallengeListResponse struct {
	Challenges []model.Summary `json:"challenges"`
	Total      int             `json:"total"`
}

// ChallengeDetailResponse is a challenge as shown to a solver. Hidden test
// cases are counted but never listed.
type ChallengeDetailResponse struct {
	model.Summary
	Limits        model.Limits     `json:"limits"`
	Policy        string           `json:"policy"`
	EntryPoint    string           `json:"entryPoint"`
	StarterCode   string           `json:"starterCode,omitempty"`
	Approach      string           `json:"approach,omitempty"`
	Examples      []model.TestCase `json:"examples"`
	TestCaseCount int              `json:"testCaseCount"`
}

// HealthResponse reports liveness and pool occupancy.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Pool      service.PoolStats `json:"pool"`
}

// NewChallengeDetail builds the solver view of c.
func NewChallengeDetail(c *model.Challenge) ChallengeDetailResponse {
	return ChallengeDetailResponse{
		Summary:       c.Summary(),
		Limits:        c.Limits,
		Policy:        c.Policy.String(),
		EntryPoint:    c.EntryPoint,
		StarterCode:   c.StarterCode,
		Approach:      c.Approach,
		Examples:      c.Examples(),
		TestCaseCount: len(c.TestCases),
	}
}

func formatUptime(d time.Duration) string {
	return d.Truncate(time.Second).String()
}
