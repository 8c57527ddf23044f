package main

import (
	"context"
	"fmt"

	"blockjudge/internal/grading/model"
	pkgerrors "blockjudge/pkg/errors"
	"blockjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

type challengeSource interface {
	ListChallenges(ctx context.Context) ([]model.Summary, error)
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
}

type challengeSaver interface {
	SaveChallenge(ctx context.Context, c *model.Challenge) error
}

// Result counts what one seed pass did.
type Result struct {
	Saved   int
	Skipped int
}

// seed copies every challenge in src into dst. An existing challenge is
// skipped when skipExisting is set and is an error otherwise.
func seed(ctx context.Context, src challengeSource, dst challengeSaver, skipExisting bool) (Result, error) {
	var res Result
	summaries, err := src.ListChallenges(ctx)
	if err != nil {
		return res, fmt.Errorf("list fixtures failed: %w", err)
	}
	for _, s := range summaries {
		c, err := src.GetChallenge(ctx, s.ID)
		if err != nil {
			return res, fmt.Errorf("read fixture %s failed: %w", s.ID, err)
		}
		err = dst.SaveChallenge(ctx, c)
		switch {
		case err == nil:
			res.Saved++
			logger.Debug(ctx, "challenge saved", zap.String("challenge_id", c.ID), zap.Int("test_cases", len(c.TestCases)))
		case skipExisting && pkgerrors.Is(err, pkgerrors.ChallengeExists):
			res.Skipped++
			logger.Info(ctx, "challenge already stored, skipping", zap.String("challenge_id", c.ID))
		default:
			return res, fmt.Errorf("save challenge %s failed: %w", c.ID, err)
		}
	}
	return res, nil
}
