// Package service implements the Submission Coordinator: it admits Grade
// calls, runs the harness under a global time ceiling and hands finished
// verdicts to persistence in the background.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"blockjudge/internal/grading/harness"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/sandbox"
	"blockjudge/internal/grading/verdict"
	pkgerrors "blockjudge/pkg/errors"
	"blockjudge/pkg/utils/contextkey"
	"blockjudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Settings is the grading section of the service configuration.
type Settings struct {
	PoolSize        int           `yaml:"poolSize"`
	QueueDepth      int           `yaml:"queueDepth"`
	CaseParallelism int           `yaml:"caseParallelism"`
	FailFast        bool          `yaml:"failFast"`
	SandboxRetries  int           `yaml:"sandboxRetries"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay"`
	// CeilingOverhead is added to the sum of per-case time limits.
	CeilingOverhead  time.Duration `yaml:"ceilingOverhead"`
	OutputLimitBytes int           `yaml:"outputLimitBytes"`
	MaxCodeBytes     int           `yaml:"maxCodeBytes"`
	PersistTimeout   time.Duration `yaml:"persistTimeout"`
	SubmitterLockTTL time.Duration `yaml:"submitterLockTTL"`
}

// DefaultSettings returns the settings used for unset fields.
func DefaultSettings() Settings {
	return Settings{
		PoolSize:         4,
		QueueDepth:       16,
		CaseParallelism:  1,
		SandboxRetries:   2,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    time.Second,
		CeilingOverhead:  5 * time.Second,
		OutputLimitBytes: sandbox.DefaultOutputLimit,
		MaxCodeBytes:     64 * 1024,
		PersistTimeout:   5 * time.Second,
		SubmitterLockTTL: 2 * time.Minute,
	}
}

// WithDefaults fills unset fields. A zero QueueDepth or SandboxRetries is
// meaningful and kept.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.PoolSize <= 0 {
		s.PoolSize = d.PoolSize
	}
	if s.QueueDepth < 0 {
		s.QueueDepth = 0
	}
	if s.CaseParallelism <= 0 {
		s.CaseParallelism = d.CaseParallelism
	}
	if s.SandboxRetries < 0 {
		s.SandboxRetries = 0
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = d.RetryBaseDelay
	}
	if s.RetryMaxDelay <= 0 {
		s.RetryMaxDelay = d.RetryMaxDelay
	}
	if s.CeilingOverhead <= 0 {
		s.CeilingOverhead = d.CeilingOverhead
	}
	if s.OutputLimitBytes <= 0 {
		s.OutputLimitBytes = d.OutputLimitBytes
	}
	if s.MaxCodeBytes <= 0 {
		s.MaxCodeBytes = d.MaxCodeBytes
	}
	if s.PersistTimeout <= 0 {
		s.PersistTimeout = d.PersistTimeout
	}
	if s.SubmitterLockTTL <= 0 {
		s.SubmitterLockTTL = d.SubmitterLockTTL
	}
	return s
}

// Config holds coordinator dependencies and settings.
type Config struct {
	Store    ChallengeStore
	Executor sandbox.Executor
	// Sink is optional; without it verdicts are not persisted.
	Sink VerdictSink
	// Gate is optional; it defaults to a one-per-submitter MemoryGate.
	Gate     SubmitterGate
	Settings Settings
	// Now is stubbed in tests.
	Now func() time.Time
}

// GradeRequest is one call to Grade.
type GradeRequest struct {
	ChallengeID string
	Code        string
	// SubmitterToken is opaque and keys the per-submitter cap.
	SubmitterToken string
	// ClientAddr keys the cap for anonymous callers that send no token.
	ClientAddr string
	// RevealHidden is set only for elevated callers.
	RevealHidden bool
	// FailFast forces fail-fast for this call regardless of settings.
	FailFast bool
}

// Coordinator grades submissions.
type Coordinator struct {
	store    ChallengeStore
	executor sandbox.Executor
	sink     VerdictSink
	gate     SubmitterGate
	harness  *harness.Harness
	pool     *admissionPool
	public   *verdict.Aggregator
	elevated *verdict.Aggregator
	settings Settings
	now      func() time.Time

	persistWG sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewCoordinator creates a new coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("sandbox executor is required")
	}
	settings := cfg.Settings.WithDefaults()
	gate := cfg.Gate
	if gate == nil {
		gate = NewMemoryGate(1)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:    cfg.Store,
		executor: cfg.Executor,
		sink:     cfg.Sink,
		gate:     gate,
		harness: harness.New(cfg.Executor, harness.Config{
			Parallelism:    settings.CaseParallelism,
			FailFast:       settings.FailFast,
			Retries:        settings.SandboxRetries,
			RetryBaseDelay: settings.RetryBaseDelay,
			RetryMaxDelay:  settings.RetryMaxDelay,
			OutputLimit:    settings.OutputLimitBytes,
		}),
		pool:     newAdmissionPool(settings.PoolSize, settings.QueueDepth),
		public:   verdict.NewAggregator(),
		elevated: verdict.NewAggregator(verdict.RevealHidden()),
		settings: settings,
		now:      now,
		closed:   make(chan struct{}),
	}, nil
}

// Grade runs req.Code against every test case of the challenge and returns
// the verdict. Request-caused and capacity-caused failures come back as
// typed errors before any sandbox runs; everything the code does wrong is
// reported inside the verdict.
func (c *Coordinator) Grade(ctx context.Context, req GradeRequest) (*model.Verdict, error) {
	select {
	case <-c.closed:
		return nil, pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("coordinator is shutting down")
	default:
	}

	if strings.TrimSpace(req.Code) == "" {
		return nil, pkgerrors.New(pkgerrors.EmptyCode)
	}
	if len(req.Code) > c.settings.MaxCodeBytes {
		return nil, pkgerrors.New(pkgerrors.CodeTooLarge).WithDetail("maxBytes", c.settings.MaxCodeBytes)
	}

	challenge, err := c.loadChallenge(ctx, req.ChallengeID)
	if err != nil {
		return nil, err
	}

	submission := model.Submission{
		ID:             uuid.NewString(),
		ChallengeID:    challenge.ID,
		Code:           req.Code,
		SubmitterToken: req.SubmitterToken,
		CreatedAt:      c.now(),
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, submission.ID)

	if key := gateKey(req); key != "" {
		releaseGate, err := c.gate.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		defer releaseGate()
	}

	releaseSlot, err := c.pool.acquire(ctx)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.GradingOverloaded) {
			logger.Warn(ctx, "grading pool overloaded", zap.String("challenge_id", challenge.ID))
			return nil, err
		}
		return nil, cancelled(ctx)
	}
	defer releaseSlot()

	logger.Info(ctx, "grading admitted",
		zap.String("challenge_id", challenge.ID),
		zap.Int("test_cases", len(challenge.TestCases)),
	)

	record, err := c.run(ctx, challenge, submission, req)
	if err != nil {
		return nil, err
	}

	out := record.Verdict
	if req.RevealHidden {
		out = record.Raw
	}
	logger.Info(ctx, "grading finished",
		zap.String("challenge_id", challenge.ID),
		zap.String("status", string(out.Status)),
		zap.Int("passed", out.PassedCount),
		zap.Int("total", out.TotalCount),
		zap.Bool("infra_failure", out.InfraFailure),
		zap.Duration("duration", out.TotalDuration),
	)
	if out.InfraFailure {
		logger.Error(ctx, "grading hit sandbox infrastructure failures", zap.String("challenge_id", challenge.ID))
	}

	// A caller that left while the verdict was assembled gets nothing saved.
	if ctx.Err() != nil {
		logger.Info(ctx, "grading cancelled before persistence", zap.String("challenge_id", challenge.ID))
		return nil, cancelled(ctx)
	}
	c.persist(ctx, record)
	return &out, nil
}

// gateKey picks the per-submitter cap key. Anonymous callers share one
// slot per client address.
func gateKey(req GradeRequest) string {
	if token := strings.TrimSpace(req.SubmitterToken); token != "" {
		return token
	}
	if addr := strings.TrimSpace(req.ClientAddr); addr != "" {
		return "anon:" + addr
	}
	return ""
}

func (c *Coordinator) loadChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	if strings.TrimSpace(id) == "" {
		return nil, pkgerrors.New(pkgerrors.ChallengeNotFound)
	}
	challenge, err := c.store.GetChallenge(ctx, id)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ChallengeNotFound) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, pkgerrors.Wrapf(err, pkgerrors.InfrastructureFailure, "load challenge %s failed", id)
	}
	if challenge == nil {
		return nil, pkgerrors.New(pkgerrors.ChallengeNotFound)
	}
	return challenge, nil
}

// ceiling is the wall-clock budget for a whole Grade call.
func (c *Coordinator) ceiling(challenge *model.Challenge) time.Duration {
	perCase := challenge.Limits.WithDefaults().TimeLimit()
	return time.Duration(len(challenge.TestCases))*perCase + c.settings.CeilingOverhead
}

func (c *Coordinator) run(ctx context.Context, challenge *model.Challenge, submission model.Submission, req GradeRequest) (VerdictRecord, error) {
	runCtx, cancel := context.WithTimeoutCause(ctx, c.ceiling(challenge), harness.ErrCeilingExceeded)
	defer cancel()

	// Caller cancellation reclaims every sandbox the submission holds.
	stopKill := context.AfterFunc(ctx, func() {
		killCtx, cancelKill := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelKill()
		if err := c.executor.KillSubmission(killCtx, submission.ID); err != nil {
			logger.Warn(killCtx, "kill submission sandboxes failed", zap.Error(err))
		}
	})
	defer stopKill()

	job := harness.Job{
		SubmissionID: submission.ID,
		Code:         submission.Code,
		EntryPoint:   challenge.EntryPoint,
		TestCases:    challenge.TestCases,
		Limits:       challenge.Limits,
		Policy:       challenge.Policy,
	}
	if req.FailFast {
		on := true
		job.FailFast = &on
	}

	outcomes, err := c.harness.Run(runCtx, job)
	if err != nil || ctx.Err() != nil {
		logger.Info(ctx, "grading cancelled", zap.String("challenge_id", challenge.ID))
		return VerdictRecord{}, cancelled(ctx)
	}

	gradedAt := c.now()
	stamp := func(v model.Verdict) model.Verdict {
		v.SubmissionID = submission.ID
		v.ChallengeID = challenge.ID
		v.GradedAt = gradedAt
		return v
	}
	return VerdictRecord{
		Submission: submission,
		Verdict:    stamp(c.public.Aggregate(outcomes)),
		Raw:        stamp(c.elevated.Aggregate(outcomes)),
	}, nil
}

// persist hands the record to the sink without blocking the caller.
func (c *Coordinator) persist(ctx context.Context, record VerdictRecord) {
	if c.sink == nil {
		return
	}
	c.persistWG.Add(1)
	go func() {
		defer c.persistWG.Done()
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settings.PersistTimeout)
		defer cancel()
		if err := c.sink.SaveVerdict(persistCtx, record); err != nil {
			logger.Warn(persistCtx, "persist verdict failed", zap.Error(err))
		}
	}()
}

// Stats reports admission pool occupancy.
func (c *Coordinator) Stats() PoolStats {
	return c.pool.stats()
}

// Close rejects new Grade calls and waits for pending persistence or ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	done := make(chan struct{})
	go func() {
		c.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return pkgerrors.Wrap(cause, pkgerrors.Timeout)
	}
	return pkgerrors.Wrap(cause, pkgerrors.RequestCancelled)
}
