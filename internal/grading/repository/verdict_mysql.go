package repository

import (
	"context"
	"encoding/json"

	"blockjudge/internal/common/db"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/service"
	pkgerrors "blockjudge/pkg/errors"
)

// MySQLVerdictRepository keeps one row per graded submission in the
// solutions table.
type MySQLVerdictRepository struct {
	db db.Database
}

func NewVerdictRepository(database db.Database) *MySQLVerdictRepository {
	return &MySQLVerdictRepository{db: database}
}

func (r *MySQLVerdictRepository) SaveVerdict(ctx context.Context, record service.VerdictRecord) error {
	if record.Submission.ID == "" {
		return pkgerrors.ValidationError("submission_id", "required")
	}
	verdictJSON, err := json.Marshal(record.Verdict)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "marshal verdict failed")
	}
	rawJSON, err := json.Marshal(record.Raw)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "marshal raw verdict failed")
	}
	v := record.Verdict
	query := `
		INSERT INTO solutions
			(submission_id, challenge_id, submitter, code, status, passed_count, total_count,
			 first_failed_index, infra_failure, total_duration_ms, verdict_json, raw_verdict_json,
			 created_at, graded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.Exec(ctx, query,
		record.Submission.ID,
		record.Submission.ChallengeID,
		record.Submission.SubmitterToken,
		record.Submission.Code,
		string(v.Status),
		v.PassedCount,
		v.TotalCount,
		v.FirstFailedIndex,
		v.InfraFailure,
		v.TotalDuration.Milliseconds(),
		string(verdictJSON),
		string(rawJSON),
		record.Submission.CreatedAt,
		v.GradedAt,
	)
	if err != nil {
		if db.IsDuplicateKey(err) {
			return pkgerrors.Newf(pkgerrors.ValidationFailed, "verdict for %s already saved", record.Submission.ID)
		}
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "save verdict failed")
	}
	return nil
}

// GetRawVerdict returns the unredacted verdict of a submission.
func (r *MySQLVerdictRepository) GetRawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error) {
	var raw string
	err := r.db.QueryRow(ctx, "SELECT raw_verdict_json FROM solutions WHERE submission_id = ?", submissionID).Scan(&raw)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, pkgerrors.Newf(pkgerrors.NotFound, "verdict %s not found", submissionID)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "get verdict failed")
	}
	var v model.Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "decode verdict failed")
	}
	return &v, nil
}
