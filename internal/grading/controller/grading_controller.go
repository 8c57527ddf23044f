package controller

import (
	"context"
	"strings"
	"time"

	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/service"
	pkgerrors "blockjudge/pkg/errors"
	"blockjudge/pkg/utils/contextkey"
	"blockjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const submitterHeader = "X-User-Id"

// Grader is the part of the coordinator the HTTP layer needs.
type Grader interface {
	Grade(ctx context.Context, req service.GradeRequest) (*model.Verdict, error)
	Stats() service.PoolStats
}

// Catalogue serves challenge listings and details.
type Catalogue interface {
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	ListChallenges(ctx context.Context) ([]model.Summary, error)
}

// RawVerdicts returns unredacted verdicts for elevated callers.
type RawVerdicts interface {
	GetRawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error)
}

// GradingController handles grading HTTP endpoints.
type GradingController struct {
	grader    Grader
	catalogue Catalogue
	verdicts  RawVerdicts
	started   time.Time
}

// NewGradingController creates a controller. verdicts may be nil, in which
// case raw verdict lookups report the service as unavailable.
func NewGradingController(grader Grader, catalogue Catalogue, verdicts RawVerdicts) *GradingController {
	return &GradingController{
		grader:    grader,
		catalogue: catalogue,
		verdicts:  verdicts,
		started:   time.Now(),
	}
}

// Register mounts the routes on r.
func (h *GradingController) Register(r gin.IRouter) {
	r.GET("/api/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.GET("/challenges", h.ListChallenges)
	v1.GET("/challenges/:id", h.GetChallenge)
	v1.POST("/challenges/:id/submissions", h.Submit)
	v1.GET("/submissions/:id/raw", h.GetRawVerdict)
}

// Submit grades code against a challenge and returns the verdict.
func (h *GradingController) Submit(c *gin.Context) {
	challengeID := strings.TrimSpace(c.Param("id"))
	if challengeID == "" {
		response.BadRequest(c, "Invalid challenge id")
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	verdict, err := h.grader.Grade(c.Request.Context(), service.GradeRequest{
		ChallengeID:    challengeID,
		Code:           req.Code,
		SubmitterToken: submitter(c),
		ClientAddr:     c.ClientIP(),
		RevealHidden:   c.GetBool(string(contextkey.Elevated)),
		FailFast:       req.FailFast,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, verdict)
}

// ListChallenges returns the catalogue, newest first.
func (h *GradingController) ListChallenges(c *gin.Context) {
	list, err := h.catalogue.ListChallenges(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ChallengeListResponse{Challenges: list, Total: len(list)})
}

// GetChallenge returns one challenge with its public examples.
func (h *GradingController) GetChallenge(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.BadRequest(c, "Invalid challenge id")
		return
	}
	challenge, err := h.catalogue.GetChallenge(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, NewChallengeDetail(challenge))
}

// GetRawVerdict returns a stored verdict with hidden cases intact.
func (h *GradingController) GetRawVerdict(c *gin.Context) {
	if !c.GetBool(string(contextkey.Elevated)) {
		response.ErrorWithCode(c, pkgerrors.Forbidden, "elevated role required")
		return
	}
	if h.verdicts == nil {
		response.ErrorWithCode(c, pkgerrors.ServiceUnavailable, "verdict storage is not configured")
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	v, err := h.verdicts.GetRawVerdict(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, v)
}

// Health reports liveness and admission pool occupancy.
func (h *GradingController) Health(c *gin.Context) {
	response.Success(c, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    formatUptime(time.Since(h.started)),
		Pool:      h.grader.Stats(),
	})
}

// submitter prefers the authenticated subject over the self-declared header.
func submitter(c *gin.Context) string {
	if id := c.GetString(string(contextkey.UserID)); id != "" {
		return id
	}
	return strings.TrimSpace(c.GetHeader(submitterHeader))
}
