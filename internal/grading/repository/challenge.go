package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"blockjudge/internal/common/cache"
	"blockjudge/internal/common/db"
	"blockjudge/internal/grading/model"
	pkgerrors "blockjudge/pkg/errors"
)

const (
	defaultChallengeTTL      = 30 * time.Minute
	defaultChallengeEmptyTTL = 5 * time.Minute
	challengeKeyPrefix       = "grading:challenge:"
)

// ChallengeRepository is the read side of the challenge catalogue.
type ChallengeRepository interface {
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	ListChallenges(ctx context.Context) ([]model.Summary, error)
}

// MySQLChallengeRepository reads challenges from MySQL. Published
// challenges never change, so whole challenges are cached.
type MySQLChallengeRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

func NewChallengeRepository(database db.Database, cacheClient cache.Cache) *MySQLChallengeRepository {
	return NewChallengeRepositoryWithTTL(database, cacheClient, defaultChallengeTTL, defaultChallengeEmptyTTL)
}

func NewChallengeRepositoryWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *MySQLChallengeRepository {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultChallengeEmptyTTL
	}
	return &MySQLChallengeRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

func (r *MySQLChallengeRepository) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	var (
		challenge *model.Challenge
		err       error
	)
	if r.cache != nil {
		challenge, err = cache.GetJSONWithCached[model.Challenge](ctx, r.cache, challengeKey(id), r.ttl, r.emptyTTL, func(ctx context.Context) (*model.Challenge, error) {
			return r.getChallengeFromDB(ctx, id)
		})
	} else {
		challenge, err = r.getChallengeFromDB(ctx, id)
	}
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ChallengeLoadFailed) {
			return nil, err
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "load challenge %s failed", id)
	}
	if challenge == nil {
		return nil, pkgerrors.Newf(pkgerrors.ChallengeNotFound, "challenge %s not found", id)
	}
	return challenge, nil
}

func (r *MySQLChallengeRepository) ListChallenges(ctx context.Context) ([]model.Summary, error) {
	query := `
		SELECT id, title, description, difficulty, posted_at
		FROM challenges
		ORDER BY posted_at DESC, id`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "list challenges failed")
	}
	defer rows.Close()

	out := make([]model.Summary, 0)
	for rows.Next() {
		var (
			s          model.Summary
			difficulty string
		)
		if err := rows.Scan(&s.ID, &s.Title, &s.Description, &difficulty, &s.PostedAt); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "scan challenge failed")
		}
		d, err := model.ParseDifficulty(difficulty)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.ChallengeLoadFailed, "challenge %s", s.ID)
		}
		s.Difficulty = d
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "list challenges failed")
	}
	return out, nil
}

// SaveChallenge stores a challenge and its test cases in one transaction.
// The seed tool calls it; the grading path never writes challenges.
func (r *MySQLChallengeRepository) SaveChallenge(ctx context.Context, c *model.Challenge) error {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		query := `
			INSERT INTO challenges
				(id, title, description, difficulty, time_limit_ms, memory_limit_mb, policy, entry_point, starter_code, approach, posted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		postedAt := c.PostedAt
		if postedAt.IsZero() {
			postedAt = time.Now()
		}
		if _, err := tx.Exec(ctx, query, c.ID, c.Title, c.Description, c.Difficulty.String(),
			c.Limits.TimeLimitMs, c.Limits.MemoryLimitMB, c.Policy.String(), c.EntryPoint, c.StarterCode, c.Approach, postedAt); err != nil {
			return err
		}
		for _, tc := range c.TestCases {
			input, err := json.Marshal(tc.Input)
			if err != nil {
				return err
			}
			expected, err := json.Marshal(tc.Expected)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO challenge_test_cases (challenge_id, idx, input_json, expected_json, hidden) VALUES (?, ?, ?, ?, ?)",
				c.ID, tc.Index, string(input), string(expected), tc.Hidden); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKey(err) {
			return pkgerrors.Newf(pkgerrors.ChallengeExists, "challenge %s already exists", c.ID)
		}
		return pkgerrors.Wrapf(err, pkgerrors.DatabaseError, "save challenge %s failed", c.ID)
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, challengeKey(c.ID))
	}
	return nil
}

// getChallengeFromDB returns nil, nil for an unknown id.
func (r *MySQLChallengeRepository) getChallengeFromDB(ctx context.Context, id string) (*model.Challenge, error) {
	query := `
		SELECT id, title, description, difficulty, time_limit_ms, memory_limit_mb, policy, entry_point, starter_code, approach, posted_at
		FROM challenges
		WHERE id = ?`
	c, err := scanChallenge(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT idx, input_json, expected_json, hidden
		FROM challenge_test_cases
		WHERE challenge_id = ?
		ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, fmt.Errorf("challenge %s: %w", id, err)
		}
		c.TestCases = append(c.TestCases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ChallengeLoadFailed, "challenge %s is invalid", id)
	}
	return c, nil
}

func scanChallenge(scanner db.Scanner) (*model.Challenge, error) {
	var (
		c          model.Challenge
		difficulty string
		policy     string
	)
	err := scanner.Scan(
		&c.ID,
		&c.Title,
		&c.Description,
		&difficulty,
		&c.Limits.TimeLimitMs,
		&c.Limits.MemoryLimitMB,
		&policy,
		&c.EntryPoint,
		&c.StarterCode,
		&c.Approach,
		&c.PostedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.Difficulty, err = model.ParseDifficulty(difficulty); err != nil {
		return nil, err
	}
	if c.Policy, err = model.ParseComparisonPolicy(policy); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanTestCase(scanner db.Scanner) (model.TestCase, error) {
	var (
		tc       model.TestCase
		input    string
		expected string
	)
	if err := scanner.Scan(&tc.Index, &input, &expected, &tc.Hidden); err != nil {
		return model.TestCase{}, err
	}
	var err error
	if tc.Input, err = model.ParseValue([]byte(input)); err != nil {
		return model.TestCase{}, fmt.Errorf("test case %d input: %w", tc.Index, err)
	}
	if tc.Expected, err = model.ParseValue([]byte(expected)); err != nil {
		return model.TestCase{}, fmt.Errorf("test case %d expected: %w", tc.Index, err)
	}
	return tc, nil
}

func challengeKey(id string) string {
	return challengeKeyPrefix + strings.TrimSpace(id)
}
