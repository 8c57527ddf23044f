package command

import (
	"context"
	"time"

	"blockjudge/internal/grading/controller"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/service"
)

// LocalGrader is the coordinator surface the local backend needs.
type LocalGrader interface {
	Grade(ctx context.Context, req service.GradeRequest) (*model.Verdict, error)
	Stats() service.PoolStats
}

// LocalCatalogue serves fixture challenges.
type LocalCatalogue interface {
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	ListChallenges(ctx context.Context) ([]model.Summary, error)
}

// LocalVerdicts reads verdicts graded in this session.
type LocalVerdicts interface {
	GetRawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error)
}

// LocalBackend grades in process. The local user owns the fixtures, so
// hidden cases are revealed when configured.
type LocalBackend struct {
	grader       LocalGrader
	catalogue    LocalCatalogue
	verdicts     LocalVerdicts
	submitter    string
	revealHidden bool
	started      time.Time
}

func NewLocalBackend(grader LocalGrader, catalogue LocalCatalogue, verdicts LocalVerdicts, submitter string, revealHidden bool) *LocalBackend {
	return &LocalBackend{
		grader:       grader,
		catalogue:    catalogue,
		verdicts:     verdicts,
		submitter:    submitter,
		revealHidden: revealHidden,
		started:      time.Now(),
	}
}

func (b *LocalBackend) ListChallenges(ctx context.Context) ([]model.Summary, error) {
	return b.catalogue.ListChallenges(ctx)
}

func (b *LocalBackend) GetChallenge(ctx context.Context, id string) (controller.ChallengeDetailResponse, error) {
	c, err := b.catalogue.GetChallenge(ctx, id)
	if err != nil {
		return controller.ChallengeDetailResponse{}, err
	}
	return controller.NewChallengeDetail(c), nil
}

func (b *LocalBackend) Submit(ctx context.Context, challengeID, code string, failFast bool) (*model.Verdict, error) {
	return b.grader.Grade(ctx, service.GradeRequest{
		ChallengeID:    challengeID,
		Code:           code,
		SubmitterToken: b.submitter,
		RevealHidden:   b.revealHidden,
		FailFast:       failFast,
	})
}

func (b *LocalBackend) RawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error) {
	return b.verdicts.GetRawVerdict(ctx, submissionID)
}

func (b *LocalBackend) Health(ctx context.Context) (controller.HealthResponse, error) {
	return controller.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(b.started).Truncate(time.Second).String(),
		Pool:      b.grader.Stats(),
	}, nil
}
