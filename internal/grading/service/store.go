package service

import (
	"context"

	"blockjudge/internal/grading/model"
)

// ChallengeStore loads published challenges. GetChallenge returns test
// cases in ascending index order, hidden ones included, and fails with
// pkg/errors.ChallengeNotFound for unknown ids.
type ChallengeStore interface {
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
}

// VerdictRecord is what gets persisted once grading finishes. Verdict is
// the caller-facing copy; Raw keeps hidden cases unredacted.
type VerdictRecord struct {
	Submission model.Submission
	Verdict    model.Verdict
	Raw        model.Verdict
}

// VerdictSink persists verdicts. Failures are logged by the caller and
// never retried indefinitely.
type VerdictSink interface {
	SaveVerdict(ctx context.Context, record VerdictRecord) error
}
